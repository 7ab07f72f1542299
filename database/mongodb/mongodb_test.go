package mongodb

import (
	"testing"

	"neurograph/database"
	"neurograph/neuron"
	"neurograph/pregel"
)

func TestCreateBatches(t *testing.T) {
	graph := make(database.Graph, 30)
	for i := range graph {
		graph[i] = database.Vertex{
			Id:    uint64(i),
			State: neuron.NewState(neuron.CE, 1, 0.02, 0.2, -65, 8),
			Edges: []pregel.Edge{{Target: uint64((i + 1) % 30), Weight: 0.5}},
		}
	}
	batches := createBatches(graph)
	if len(batches) != 2 || len(batches[0]) != database.MAXIMUM_ITEMS_PER_BATCH || len(batches[1]) != 5 {
		t.Fatalf("unexpected batches for 30 neurons")
	}
	record, ok := batches[1][4].(database.Record)
	if !ok {
		t.Fatalf("documents should be records, got %T", batches[1][4])
	}
	if record.ID != 29 || record.Type != "ce" || len(record.Targets) != 1 || record.Targets[0] != 0 {
		t.Errorf("unexpected record %+v", record)
	}
}

func TestRegisteredSource(t *testing.T) {
	loader, err := database.Open(pregel.GraphSource{Kind: MONGODB, Location: "neurons"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loader.(*Loader); !ok {
		t.Errorf("expected a mongodb loader, got %T", loader)
	}
	if _, err := NewLoader(Config{}); err == nil {
		t.Error("expected an error without a collection")
	}
}
