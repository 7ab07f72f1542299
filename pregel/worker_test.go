package pregel

import (
	"errors"
	"reflect"
	"testing"
)

// parity partitioner: worker 0 owns even ids, worker 1 odd ids
func parity(vertexId uint64) uint32 {
	return uint32(vertexId % 2)
}

func createNewTestVertex(id uint64, edges ...Edge) Vertex[float32] {
	return Vertex[float32]{Id: id, Edges: edges}
}

// fanOut sends every edge weight at superstep 0 and stores the sum of its
// messages afterwards
var fanOut Kernel[float32] = KernelFunc[float32](
	func(in ComputeInput[float32]) (ComputeOutput[float32], error) {
		out := ComputeOutput[float32]{State: in.State}
		if in.Superstep == 0 {
			for _, edge := range in.Edges {
				out.Outbound = append(out.Outbound, Outbound{Target: edge.Target, Value: edge.Weight})
			}
			return out, nil
		}
		for _, m := range in.Messages {
			out.State += m
		}
		out.VoteToHalt = true
		return out, nil
	},
)

func TestWorkerRoutesLocalAndRemoteMessages(t *testing.T) {
	worker, err := NewWorker(
		0, []Vertex[float32]{
			createNewTestVertex(2, Edge{Target: 3, Weight: 0.5}, Edge{Target: 4, Weight: 1.5}, Edge{Target: 4, Weight: 2}),
			createNewTestVertex(4),
		}, fanOut, parity, REACTIVATE,
	)
	if err != nil {
		t.Fatalf("could not create worker: %v", err)
	}

	result, err := worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 0})
	if err != nil {
		t.Fatalf("superstep 0 failed: %v", err)
	}
	if result.MessagesSent != 3 || result.VerticesComputed != 2 {
		t.Errorf("unexpected counts: %+v", result)
	}
	expectedRemote := map[uint32][]Message{
		1: {{SuperStepNum: 0, SourceVertexId: 2, DestVertexId: 3, Value: 0.5}},
	}
	if !reflect.DeepEqual(result.Outgoing, expectedRemote) {
		t.Errorf("expected outgoing %v but got %v", expectedRemote, result.Outgoing)
	}

	if _, err := worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 1}); err != nil {
		t.Fatalf("superstep 1 failed: %v", err)
	}
	vertices := worker.Vertices()
	if vertices[1].Id != 4 || vertices[1].State != 3.5 {
		t.Errorf("vertex 4 should hold 1.5 + 2 = 3.5, got %+v", vertices[1])
	}
	if vertices[0].State != 0 {
		t.Errorf("vertex 2 received nothing, got %v", vertices[0].State)
	}
}

func TestWorkerDeliverMessages(t *testing.T) {
	worker, _ := NewWorker(1, []Vertex[float32]{createNewTestVertex(3)}, fanOut, parity, REACTIVATE)
	worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 0})

	delivered, err := worker.DeliverMessages(
		MessageBatch{
			SuperStepNum: 0,
			Messages: []Message{
				{SuperStepNum: 0, SourceVertexId: 2, DestVertexId: 3, Value: 0.5},
				{SuperStepNum: 0, SourceVertexId: 8, DestVertexId: 3, Value: 0.25},
			},
		},
	)
	if err != nil || delivered.Delivered != 2 {
		t.Fatalf("unexpected delivery result %+v, %v", delivered, err)
	}

	worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 1})
	if state := worker.Vertices()[0].State; state != 0.75 {
		t.Errorf("expected 0.75 but got %v", state)
	}

	_, err = worker.DeliverMessages(MessageBatch{Messages: []Message{{DestVertexId: 5}}})
	if !errors.Is(err, ErrUnknownVertex) {
		t.Errorf("expected ErrUnknownVertex for a vertex the worker does not own, got %v", err)
	}
}

func TestNewWorkerChecksOwnership(t *testing.T) {
	if _, err := NewWorker(0, []Vertex[float32]{createNewTestVertex(3)}, fanOut, parity, REACTIVATE); err == nil {
		t.Errorf("worker 0 must not accept odd vertex 3")
	}
	if _, err := NewWorker(
		0, []Vertex[float32]{createNewTestVertex(2), createNewTestVertex(2)}, fanOut, parity, REACTIVATE,
	); !errors.Is(err, ErrDuplicateVertex) {
		t.Errorf("expected ErrDuplicateVertex, got %v", err)
	}
}

func TestWorkerRejectsUnknownLocalTarget(t *testing.T) {
	worker, _ := NewWorker(
		0, []Vertex[float32]{createNewTestVertex(2, Edge{Target: 6, Weight: 1})},
		fanOut, parity, REACTIVATE,
	)
	if _, err := worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 0}); !errors.Is(err, ErrUnknownVertex) {
		t.Errorf("expected ErrUnknownVertex, got %v", err)
	}
}

func TestWorkerChecksSuperstepOrder(t *testing.T) {
	worker, _ := NewWorker(0, []Vertex[float32]{createNewTestVertex(2)}, fanOut, parity, REACTIVATE)
	if _, err := worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 1}); err == nil {
		t.Errorf("expected an error when starting at superstep 1")
	}
}

func TestWorkerReactivation(t *testing.T) {
	// every vertex halts at once; vertex 2 pings vertex 4 at superstep 0
	calls := make(map[uint64]int)
	var kernel Kernel[float32] = KernelFunc[float32](
		func(in ComputeInput[float32]) (ComputeOutput[float32], error) {
			calls[in.VertexId]++
			out := ComputeOutput[float32]{State: in.State, VoteToHalt: true}
			if in.VertexId == 2 && in.Superstep == 0 {
				out.Outbound = []Outbound{{Target: 4, Value: 1}}
			}
			return out, nil
		},
	)

	tests := []struct {
		policy   HaltPolicy
		expected int
	}{
		{REACTIVATE, 2},
		{PERMANENT, 1},
	}
	for _, test := range tests {
		calls = make(map[uint64]int)
		worker, _ := NewWorker(
			0, []Vertex[float32]{createNewTestVertex(2), createNewTestVertex(4)}, kernel, parity, test.policy,
		)
		worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 0})
		result, err := worker.ComputeVertices(ProgressSuperStep{SuperStepNum: 1})
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", test.policy, err)
		}
		if calls[4] != test.expected {
			t.Errorf("%v: vertex 4 ran %d times, expected %d", test.policy, calls[4], test.expected)
		}
		if calls[2] != 1 {
			t.Errorf("%v: halted vertex 2 without messages ran again", test.policy)
		}
		if result.Halted != 2 {
			t.Errorf("%v: expected both vertices halted, got %d", test.policy, result.Halted)
		}
	}
}

func TestPartitionVerticesIsDisjoint(t *testing.T) {
	var vertices []Vertex[float32]
	for id := uint64(0); id < 100; id++ {
		vertices = append(vertices, createNewTestVertex(id))
	}
	seen := make(map[uint64]uint32)
	for logicalId, owned := range PartitionVertices(vertices, 4) {
		for _, v := range owned {
			if previous, found := seen[v.Id]; found {
				t.Errorf("vertex %d owned by workers %d and %d", v.Id, previous, logicalId)
			}
			seen[v.Id] = uint32(logicalId)
			if HashPartitioner(4)(v.Id) != uint32(logicalId) {
				t.Errorf("vertex %d placed on the wrong worker", v.Id)
			}
		}
	}
	if len(seen) != len(vertices) {
		t.Errorf("expected %d vertices partitioned, got %d", len(vertices), len(seen))
	}
}
