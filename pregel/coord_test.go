package pregel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/rpc"
	"strings"
	"testing"
)

// counter counts its own invocations and never votes to halt
var counter = KernelFunc[int](
	func(in ComputeInput[int]) (ComputeOutput[int], error) {
		return ComputeOutput[int]{State: in.State + 1}, nil
	},
)

func createNewTestGraph(n uint64) []Vertex[int] {
	vertices := make([]Vertex[int], 0, n)
	for id := uint64(1); id <= n; id++ {
		vertices = append(vertices, Vertex[int]{Id: id})
	}
	return vertices
}

func createNewTestCoord[S any](
	t *testing.T, job JobConfig, vertices []Vertex[S], kernel Kernel[S],
) *Coord[S] {
	t.Helper()
	if err := job.Normalize(); err != nil {
		t.Fatalf("invalid job: %v", err)
	}
	partitions, err := LocalPartitions(vertices, job.NumWorkers, kernel, job.HaltPolicy)
	if err != nil {
		t.Fatalf("could not partition: %v", err)
	}
	coord, err := NewCoord(job, partitions)
	if err != nil {
		t.Fatalf("could not create coord: %v", err)
	}
	return coord
}

func TestCoordStopsAtMaxSupersteps(t *testing.T) {
	coord := createNewTestCoord(t, JobConfig{MaxSupersteps: 3, NumWorkers: 2}, createNewTestGraph(5), Kernel[int](counter))
	output := NewMemoryOutput[int]()
	coord.SetOutput(output)

	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Supersteps != 3 || result.TotalVertices != 5 {
		t.Errorf("unexpected result: %+v", result)
	}
	for _, v := range output.Final {
		// supersteps 0 through 3
		if v.State != 4 {
			t.Errorf("vertex %d ran %d times, expected 4", v.Id, v.State)
		}
	}
	if output.FinalStep != 3 {
		t.Errorf("final output written at superstep %d", output.FinalStep)
	}

	if err := coord.Close(); err != nil || !output.Closed {
		t.Errorf("closing the coord should close the output: %v", err)
	}
}

func TestCoordDefaultMaxSupersteps(t *testing.T) {
	coord := createNewTestCoord(t, JobConfig{}, createNewTestGraph(2), Kernel[int](counter))
	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Supersteps != DefaultMaxSupersteps {
		t.Errorf("expected to stop at %d, stopped at %d", DefaultMaxSupersteps, result.Supersteps)
	}
}

func TestCoordDeliversAcrossPartitions(t *testing.T) {
	// ring: every vertex sends its id to the next one at superstep 0
	const n = 10
	var vertices []Vertex[int]
	for id := uint64(1); id <= n; id++ {
		vertices = append(vertices, Vertex[int]{Id: id, Edges: []Edge{{Target: id%n + 1}}})
	}
	ring := KernelFunc[int](
		func(in ComputeInput[int]) (ComputeOutput[int], error) {
			if in.Superstep == 0 {
				return ComputeOutput[int]{
					State:    in.State,
					Outbound: []Outbound{{Target: in.Edges[0].Target, Value: float32(in.VertexId)}},
				}, nil
			}
			state := in.State
			for _, m := range in.Messages {
				state = state*100 + int(m)
			}
			return ComputeOutput[int]{State: state, VoteToHalt: true}, nil
		},
	)

	coord := createNewTestCoord(t, JobConfig{NumWorkers: 3}, vertices, Kernel[int](ring))
	output := NewMemoryOutput[int]()
	coord.SetOutput(output)
	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Supersteps != 1 || result.MessagesSent != n {
		t.Errorf("unexpected result: %+v", result)
	}
	for _, v := range output.Final {
		predecessor := int((v.Id+n-2)%n + 1)
		if v.State != predecessor {
			t.Errorf("vertex %d should have received exactly %d, got %d", v.Id, predecessor, v.State)
		}
	}
}

func TestCoordAggregatesVisibleNextSuperstep(t *testing.T) {
	// each vertex adds 1 to "count" and records what it saw
	seen := KernelFunc[[]float64](
		func(in ComputeInput[[]float64]) (ComputeOutput[[]float64], error) {
			value, _ := in.Aggregates.Get("count")
			history := append(append([]float64(nil), in.State...), value)
			return ComputeOutput[[]float64]{
				State:         history,
				Contributions: []Contribution{{Name: "count", Value: 1}},
				VoteToHalt:    in.Superstep >= 2,
			}, nil
		},
	)
	vertices := []Vertex[[]float64]{{Id: 1}, {Id: 2}, {Id: 3}, {Id: 4}}
	coord := createNewTestCoord(t, JobConfig{NumWorkers: 2}, vertices, Kernel[[]float64](seen))
	if err := coord.RegisterAggregator(SumAggregator("count")); err != nil {
		t.Fatalf("could not register aggregator: %v", err)
	}
	output := NewMemoryOutput[[]float64]()
	coord.SetOutput(output)

	result, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Aggregates["count"] != 4 {
		t.Errorf("expected final count 4, got %v", result.Aggregates["count"])
	}
	for _, v := range output.Final {
		expected := []float64{0, 4, 4}
		if len(v.State) != len(expected) {
			t.Fatalf("vertex %d ran %d times", v.Id, len(v.State))
		}
		for i := range expected {
			if v.State[i] != expected[i] {
				t.Errorf("vertex %d at superstep %d saw %v, expected %v", v.Id, i, v.State[i], expected[i])
			}
		}
	}

	if err := coord.RegisterAggregator(MaxAggregator("late")); err == nil {
		t.Errorf("registering after Run should fail")
	}
}

func TestCoordHaltPolicies(t *testing.T) {
	pingOnce := KernelFunc[int](
		func(in ComputeInput[int]) (ComputeOutput[int], error) {
			out := ComputeOutput[int]{State: in.State + 1, VoteToHalt: true}
			if in.VertexId == 1 && in.Superstep == 0 {
				out.Outbound = []Outbound{{Target: 2, Value: 1}}
			}
			return out, nil
		},
	)
	tests := []struct {
		policy     HaltPolicy
		supersteps uint64
		runs       int
	}{
		{REACTIVATE, 1, 2},
		{PERMANENT, 0, 1},
	}
	for _, test := range tests {
		vertices := []Vertex[int]{{Id: 1, Edges: []Edge{{Target: 2}}}, {Id: 2}}
		coord := createNewTestCoord(t, JobConfig{NumWorkers: 2, HaltPolicy: test.policy}, vertices, Kernel[int](pingOnce))
		output := NewMemoryOutput[int]()
		coord.SetOutput(output)
		result, err := coord.Run(context.Background())
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", test.policy, err)
		}
		if result.Supersteps != test.supersteps {
			t.Errorf("%v: expected to finish at %d, finished at %d", test.policy, test.supersteps, result.Supersteps)
		}
		if output.Final[1].State != test.runs {
			t.Errorf("%v: vertex 2 ran %d times, expected %d", test.policy, output.Final[1].State, test.runs)
		}
	}
}

func TestCoordOutputEvery(t *testing.T) {
	coord := createNewTestCoord(
		t, JobConfig{MaxSupersteps: 4, NumWorkers: 2, OutputEvery: 2}, createNewTestGraph(3), Kernel[int](counter),
	)
	output := NewMemoryOutput[int]()
	coord.SetOutput(output)

	var progress []Progress
	coord.OnProgress(func(p Progress) { progress = append(progress, p) })

	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ssn := range []uint64{0, 2, 4} {
		if len(output.Supersteps[ssn]) != 3 {
			t.Errorf("missing output of superstep %d", ssn)
		}
	}
	if len(output.Supersteps) != 3 {
		t.Errorf("expected 3 superstep outputs, got %d", len(output.Supersteps))
	}
	if len(progress) != 5 || !progress[4].Done || progress[3].Done {
		t.Errorf("unexpected progress reports: %+v", progress)
	}
}

func TestCoordLogsSuperstepTimings(t *testing.T) {
	var logs bytes.Buffer
	coord := createNewTestCoord(t, JobConfig{MaxSupersteps: 1}, createNewTestGraph(1), Kernel[int](counter))
	coord.SetLogger(log.New(&logs, "", 0))
	coord.Run(context.Background())
	if strings.Count(logs.String(), "Compute superstep") != 2 {
		t.Errorf("expected a timing line per superstep, got %q", logs.String())
	}
}

func TestCoordFailsOnKernelError(t *testing.T) {
	errBroken := errors.New("broken neuron")
	failing := KernelFunc[int](
		func(in ComputeInput[int]) (ComputeOutput[int], error) {
			if in.VertexId == 3 && in.Superstep == 1 {
				return ComputeOutput[int]{}, errBroken
			}
			return ComputeOutput[int]{State: in.State}, nil
		},
	)
	coord := createNewTestCoord(t, JobConfig{NumWorkers: 2}, createNewTestGraph(4), Kernel[int](failing))
	result, err := coord.Run(context.Background())
	if !errors.Is(err, ErrWorkerFailed) || !errors.Is(err, errBroken) {
		t.Errorf("expected a worker failure caused by the kernel, got %v", err)
	}
	if result.Error == "" {
		t.Errorf("the result should carry the error")
	}
}

func TestCoordFailsOnKernelPanic(t *testing.T) {
	panicking := KernelFunc[int](
		func(in ComputeInput[int]) (ComputeOutput[int], error) {
			panic("out of range")
		},
	)
	coord := createNewTestCoord(t, JobConfig{NumWorkers: 2}, createNewTestGraph(4), Kernel[int](panicking))
	if _, err := coord.Run(context.Background()); !errors.Is(err, ErrWorkerFailed) {
		t.Errorf("expected ErrWorkerFailed, got %v", err)
	}
}

func TestCoordCancelledBetweenSupersteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := KernelFunc[int](
		func(in ComputeInput[int]) (ComputeOutput[int], error) {
			if in.Superstep == 2 {
				cancel()
			}
			return ComputeOutput[int]{State: in.State + 1}, nil
		},
	)
	coord := createNewTestCoord(t, JobConfig{MaxSupersteps: 10}, createNewTestGraph(3), Kernel[int](cancelling))
	output := NewMemoryOutput[int]()
	coord.SetOutput(output)

	_, err := coord.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	// superstep 2 finished on every vertex before the job stopped
	if coord.Superstep() != 3 {
		t.Errorf("expected to stop before superstep 3, stopped at %d", coord.Superstep())
	}
	if output.Final != nil {
		t.Errorf("a cancelled job must not write final output")
	}
}

func TestNewCoordRejectsDuplicatePartitions(t *testing.T) {
	worker, _ := NewWorker(0, nil, Kernel[int](counter), HashPartitioner(1), REACTIVATE)
	partitions := []Partition[int]{NewLocalPartition(worker), NewLocalPartition(worker)}
	if _, err := NewCoord(JobConfig{}, partitions); err == nil {
		t.Errorf("expected an error for two partitions with logical id 0")
	}
	if _, err := NewCoord(JobConfig{}, []Partition[int]{}); !errors.Is(err, ErrNotEnoughWorker) {
		t.Errorf("expected ErrNotEnoughWorker, got %v", err)
	}
	if _, err := NewCoord(JobConfig{HaltPolicy: "sometimes"}, partitions[:1]); err == nil {
		t.Errorf("expected an error for an unknown halt policy")
	}
}

func TestRemotePartitionFailsWhenWorkerIsLost(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()
	// swallow requests and never answer
	go io.Copy(io.Discard, serverEnd)

	failed := make(chan struct{})
	remote := NewRemotePartition[int](WorkerNode{WorkerLogicalId: 3}, rpc.NewClient(clientEnd), failed)
	defer remote.Close()

	close(failed)
	if _, err := remote.ComputeVertices(ProgressSuperStep{}); !errors.Is(err, ErrWorkerFailed) {
		t.Errorf("expected ErrWorkerFailed, got %v", err)
	}
}
