package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
)

const DEFAULT_REGION = "us-east-2"

// DynamoConfig locates a neuron table. Endpoint and the static keys are
// optional; without them the default AWS credential chain is used.
type DynamoConfig struct {
	Table     string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// DynamoConfigFromEnv reads the region, endpoint and keys from the
// environment, loading .env first if there is one
func DynamoConfigFromEnv(table string) DynamoConfig {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("DynamoConfigFromEnv: error loading env file: %v\n", err)
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = DEFAULT_REGION
	}
	return DynamoConfig{
		Table:     table,
		Region:    region,
		Endpoint:  os.Getenv("DYNAMODB_ENDPOINT"),
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

// GetDynamoClient builds a client for cfg
func GetDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	options := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		options = append(
			options, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			),
		)
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		options = append(
			options, config.WithEndpointResolverWithOptions(
				aws.EndpointResolverWithOptionsFunc(
					func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
						return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
					},
				),
			),
		)
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("GetDynamoClient: unable to load SDK config: %w", err)
	}
	return dynamodb.NewFromConfig(awsConfig), nil
}

// DynamoLoader scans a whole neuron table, one item per neuron
type DynamoLoader struct {
	config DynamoConfig
}

func NewDynamoLoader(cfg DynamoConfig) (*DynamoLoader, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("NewDynamoLoader: no table name")
	}
	return &DynamoLoader{config: cfg}, nil
}

func (l *DynamoLoader) Load(ctx context.Context) (Graph, error) {
	svc, err := GetDynamoClient(ctx, l.config)
	if err != nil {
		return nil, err
	}
	return ScanGraph(ctx, svc, l.config.Table)
}

// ScanGraph reads every item of tableName
func ScanGraph(ctx context.Context, svc *dynamodb.Client, tableName string) (Graph, error) {
	paginator := dynamodb.NewScanPaginator(
		svc, &dynamodb.ScanInput{
			TableName: aws.String(tableName),
		},
	)
	var records []Record
	pages := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ScanGraph: page %d of %v: %w", pages, tableName, err)
		}
		var items []Record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("ScanGraph: page %d of %v: %w", pages, tableName, err)
		}
		records = append(records, items...)
		pages++
	}
	log.Printf("ScanGraph: %d neurons in %d pages from %v\n", len(records), pages, tableName)
	return GraphFromRecords(records)
}

// CreateNeuronTable creates tableName keyed on the neuron id and waits until
// it is active
func CreateNeuronTable(ctx context.Context, svc *dynamodb.Client, tableName string) error {
	_, err := svc.CreateTable(
		ctx, &dynamodb.CreateTableInput{
			AttributeDefinitions: []types.AttributeDefinition{
				{
					AttributeName: aws.String("ID"),
					AttributeType: types.ScalarAttributeTypeN,
				},
			},
			KeySchema: []types.KeySchemaElement{
				{
					AttributeName: aws.String("ID"),
					KeyType:       types.KeyTypeHash,
				},
			},
			TableName:   aws.String(tableName),
			BillingMode: types.BillingModePayPerRequest,
		},
	)
	if err != nil {
		return fmt.Errorf("CreateNeuronTable: %w", err)
	}
	waiter := dynamodb.NewTableExistsWaiter(svc)
	err = waiter.Wait(
		ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 2*time.Minute,
		func(o *dynamodb.TableExistsWaiterOptions) {
			o.MaxDelay = 5 * time.Second
			o.MinDelay = 5 * time.Second
		},
	)
	if err != nil {
		return fmt.Errorf("CreateNeuronTable: waiting for %v: %w", tableName, err)
	}
	log.Printf("CreateNeuronTable: created %v\n", tableName)
	return nil
}

// UploadGraph writes graph into tableName in batches of
// MAXIMUM_ITEMS_PER_BATCH, retrying unprocessed items
func UploadGraph(ctx context.Context, svc *dynamodb.Client, tableName string, graph Graph) error {
	records := make([]Record, len(graph))
	for i, v := range graph {
		records[i] = RecordOf(v)
	}
	batches := Batches(records)
	for b, batch := range batches {
		requests, err := marshalWriteRequests(batch)
		if err != nil {
			return fmt.Errorf("UploadGraph: batch %d: %w", b, err)
		}
		pending := map[string][]types.WriteRequest{tableName: requests}
		write := func() error {
			out, err := svc.BatchWriteItem(
				ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending},
			)
			if err != nil {
				return backoff.Permanent(err)
			}
			if len(out.UnprocessedItems[tableName]) > 0 {
				pending = out.UnprocessedItems
				return fmt.Errorf("%d unprocessed items", len(pending[tableName]))
			}
			return nil
		}
		if err := backoff.Retry(write, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
			return fmt.Errorf("UploadGraph: failed to upload batch %d: %w", b, err)
		}
		log.Printf("UploadGraph: uploaded batch %v/%v\n", b+1, len(batches))
	}
	log.Printf("UploadGraph: %v batches added to %v\n", len(batches), tableName)
	return nil
}

func marshalWriteRequests(batch []Record) ([]types.WriteRequest, error) {
	requests := make([]types.WriteRequest, len(batch))
	for i, record := range batch {
		item, err := attributevalue.MarshalMap(record)
		if err != nil {
			return nil, err
		}
		requests[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
	}
	return requests, nil
}
