package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"neurograph/neuron"
	"neurograph/pregel"
)

// MAXIMUM_ITEMS_PER_BATCH bounds a single batch write to DynamoDB or MongoDB
const MAXIMUM_ITEMS_PER_BATCH = 25

const (
	TEXT       = "text"
	POPULATION = "population"
	DYNAMODB   = "dynamodb"
	SQLITE     = "sqlite3"
	MYSQL      = "mysql"
	SQLSERVER  = "sqlserver"
)

var (
	ErrUnknownVertex   = pregel.ErrUnknownVertex
	ErrDuplicateVertex = pregel.ErrDuplicateVertex
	ErrUnknownSource   = errors.New("unknown graph source")
)

type Vertex = pregel.Vertex[neuron.State]

type Edge = pregel.Edge

// Graph is a fully loaded neuron graph, not yet partitioned
type Graph []Vertex

// Loader reads a whole graph from one source
type Loader interface {
	Load(ctx context.Context) (Graph, error)
}

// Opener builds a Loader for a location: a file path, table name or DSN
type Opener func(location string) (Loader, error)

var (
	openersMx sync.RWMutex
	openers   = make(map[string]Opener)
)

func init() {
	Register(
		TEXT, func(location string) (Loader, error) {
			return TextLoader{Path: location}, nil
		},
	)
	Register(
		POPULATION, func(location string) (Loader, error) {
			return PopulationLoader{Path: location}, nil
		},
	)
	Register(
		DYNAMODB, func(location string) (Loader, error) {
			return NewDynamoLoader(DynamoConfigFromEnv(location))
		},
	)
	for _, driver := range []string{SQLITE, MYSQL, SQLSERVER} {
		driver := driver
		Register(
			driver, func(location string) (Loader, error) {
				return SQLLoader{Driver: driver, DSN: location}, nil
			},
		)
	}
}

// Register makes a graph source kind available to Open. It panics if the
// kind is registered twice.
func Register(kind string, open Opener) {
	openersMx.Lock()
	defer openersMx.Unlock()
	if _, found := openers[kind]; found {
		panic("database: Register called twice for " + kind)
	}
	openers[kind] = open
}

// Open picks the loader registered for source.Kind
func Open(source pregel.GraphSource) (Loader, error) {
	openersMx.RLock()
	open, found := openers[source.Kind]
	openersMx.RUnlock()
	if !found {
		return nil, fmt.Errorf("Open: %w: %q", ErrUnknownSource, source.Kind)
	}
	return open(source.Location)
}

// Load opens source, reads the graph and validates it
func Load(ctx context.Context, source pregel.GraphSource) (Graph, error) {
	loader, err := Open(source)
	if err != nil {
		return nil, err
	}
	graph, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("Load: %v %q: %w", source.Kind, source.Location, err)
	}
	if err := Validate(graph); err != nil {
		return nil, fmt.Errorf("Load: %v %q: %w", source.Kind, source.Location, err)
	}
	log.Printf("Load: %d neurons from %v %q\n", len(graph), source.Kind, source.Location)
	return graph, nil
}

// Validate rejects duplicate ids and edges whose target is not in the graph
func Validate(graph Graph) error {
	ids := make(map[uint64]struct{}, len(graph))
	for _, v := range graph {
		if _, found := ids[v.Id]; found {
			return fmt.Errorf("%w: %d", ErrDuplicateVertex, v.Id)
		}
		ids[v.Id] = struct{}{}
	}
	for _, v := range graph {
		for _, e := range v.Edges {
			if _, found := ids[e.Target]; !found {
				return fmt.Errorf("%w: %d -> %d", ErrUnknownVertex, v.Id, e.Target)
			}
		}
	}
	return nil
}

func (g Graph) sortById() {
	sort.Slice(
		g, func(i, j int) bool {
			return g[i].Id < g[j].Id
		},
	)
}

// Record is the flat storage form of a neuron shared by the table and
// document stores
type Record struct {
	ID        uint64    `dynamodbav:"ID" bson:"_id"`
	Type      string    `dynamodbav:"Type" bson:"type"`
	Channel   int32     `dynamodbav:"Channel" bson:"channel"`
	A         float32   `dynamodbav:"A" bson:"a"`
	B         float32   `dynamodbav:"B" bson:"b"`
	C         float32   `dynamodbav:"C" bson:"c"`
	D         float32   `dynamodbav:"D" bson:"d"`
	Potential *float32  `dynamodbav:"Potential,omitempty" bson:"potential,omitempty"`
	Recovery  *float32  `dynamodbav:"Recovery,omitempty" bson:"recovery,omitempty"`
	Targets   []uint64  `dynamodbav:"Targets" bson:"targets"`
	Weights   []float32 `dynamodbav:"Weights" bson:"weights"`
}

// Vertex converts a record into a vertex at rest, unless the record carries
// an explicit potential and recovery
func (r Record) Vertex() (Vertex, error) {
	if len(r.Targets) != len(r.Weights) {
		return Vertex{}, fmt.Errorf(
			"neuron %d has %d targets but %d weights", r.ID, len(r.Targets), len(r.Weights),
		)
	}
	t, _ := neuron.ParseType(r.Type)
	state := neuron.NewState(t, r.Channel, r.A, r.B, r.C, r.D)
	if r.Potential != nil {
		state.Potential = *r.Potential
	}
	if r.Recovery != nil {
		state.Recovery = *r.Recovery
	}
	edges := make([]pregel.Edge, len(r.Targets))
	for i, target := range r.Targets {
		edges[i] = pregel.Edge{Target: target, Weight: r.Weights[i]}
	}
	return Vertex{Id: r.ID, State: state, Edges: edges}, nil
}

// RecordOf flattens a vertex. The current potential and recovery are kept.
func RecordOf(v Vertex) Record {
	potential, recovery := v.State.Potential, v.State.Recovery
	r := Record{
		ID:        v.Id,
		Type:      v.State.Type.String(),
		Channel:   v.State.Channel,
		A:         v.State.A,
		B:         v.State.B,
		C:         v.State.C,
		D:         v.State.D,
		Potential: &potential,
		Recovery:  &recovery,
		Targets:   make([]uint64, len(v.Edges)),
		Weights:   make([]float32, len(v.Edges)),
	}
	for i, e := range v.Edges {
		r.Targets[i] = e.Target
		r.Weights[i] = e.Weight
	}
	return r
}

// GraphFromRecords converts records and sorts the result by id
func GraphFromRecords(records []Record) (Graph, error) {
	graph := make(Graph, 0, len(records))
	for _, r := range records {
		v, err := r.Vertex()
		if err != nil {
			return nil, err
		}
		graph = append(graph, v)
	}
	graph.sortById()
	return graph, nil
}

// Batches splits records into groups of at most MAXIMUM_ITEMS_PER_BATCH
func Batches(records []Record) [][]Record {
	var batches [][]Record
	for start := 0; start < len(records); start += MAXIMUM_ITEMS_PER_BATCH {
		end := start + MAXIMUM_ITEMS_PER_BATCH
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
