// Package mongodb stores neuron graphs as one document per neuron. Importing
// it registers the "mongodb" graph source kind.
package mongodb

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"neurograph/database"
)

const (
	MONGODB          = "mongodb"
	DEFAULT_DATABASE = "neurograph"
	connectTimeout   = 10 * time.Second
)

func init() {
	database.Register(
		MONGODB, func(location string) (database.Loader, error) {
			return NewLoader(ConfigFromEnv(location))
		},
	)
}

type Config struct {
	URI        string
	Database   string
	Collection string
}

// ConfigFromEnv reads MONGODB_URI and MONGODB_DATABASE, loading .env first.
// Without a URI, DB_PASSWORD fills in the password of a local server.
func ConfigFromEnv(collection string) Config {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("ConfigFromEnv: error loading env file: %v\n", err)
	}
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
		if password := os.Getenv("DB_PASSWORD"); password != "" {
			uri = "mongodb://neurograph:" + password + "@localhost:27017"
		}
	}
	db := os.Getenv("MONGODB_DATABASE")
	if db == "" {
		db = DEFAULT_DATABASE
	}
	return Config{URI: uri, Database: db, Collection: collection}
}

// GetDatabaseClient connects and pings the server
func GetDatabaseClient(ctx context.Context, uri string) (*mongo.Client, error) {
	serverAPIOptions := options.ServerAPI(options.ServerAPIVersion1)
	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(serverAPIOptions)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("GetDatabaseClient: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("GetDatabaseClient: %w", err)
	}
	return client, nil
}

type Loader struct {
	config Config
}

func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("NewLoader: no collection name")
	}
	return &Loader{config: cfg}, nil
}

func (l *Loader) Load(ctx context.Context) (database.Graph, error) {
	client, err := GetDatabaseClient(ctx, l.config.URI)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(context.Background())
	return ReadGraph(ctx, client.Database(l.config.Database).Collection(l.config.Collection))
}

// ReadGraph decodes every document of collection
func ReadGraph(ctx context.Context, collection *mongo.Collection) (database.Graph, error) {
	cursor, err := collection.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("ReadGraph: error fetching neurons: %w", err)
	}
	var records []database.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("ReadGraph: error reading neurons: %w", err)
	}
	log.Printf("ReadGraph: %d neurons from %v\n", len(records), collection.Name())
	return database.GraphFromRecords(records)
}

func createBatches(graph database.Graph) [][]interface{} {
	records := make([]database.Record, len(graph))
	for i, v := range graph {
		records[i] = database.RecordOf(v)
	}
	var batches [][]interface{}
	for _, batch := range database.Batches(records) {
		documents := make([]interface{}, len(batch))
		for i := range batch {
			documents[i] = batch[i]
		}
		batches = append(batches, documents)
	}
	return batches
}

// UploadGraph inserts graph into collection in batches
func UploadGraph(ctx context.Context, collection *mongo.Collection, graph database.Graph) error {
	batches := createBatches(graph)
	for b, batch := range batches {
		if _, err := collection.InsertMany(ctx, batch); err != nil {
			return fmt.Errorf("UploadGraph: failed to upload batch %v: %w", b, err)
		}
		log.Printf("UploadGraph: uploaded batch %v/%v\n", b+1, len(batches))
	}
	log.Printf("UploadGraph: %v batches added to %v\n", len(batches), collection.Name())
	return nil
}
