package pregel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"neurograph/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testRuntime counts kernel runs on a ring of n vertices
func testRuntime(n uint64) Runtime[int] {
	return Runtime[int]{
		NewKernel: func(job JobConfig) (Kernel[int], error) {
			return KernelFunc[int](
				func(in ComputeInput[int]) (ComputeOutput[int], error) {
					if in.Superstep >= job.MaxSupersteps {
						return ComputeOutput[int]{State: in.State, VoteToHalt: true}, nil
					}
					out := ComputeOutput[int]{
						State:         in.State + 1,
						Contributions: []Contribution{{Name: "runs", Value: 1}},
					}
					for _, edge := range in.Edges {
						out.Outbound = append(out.Outbound, Outbound{Target: edge.Target, Value: 1})
					}
					return out, nil
				},
			), nil
		},
		LoadGraph: func(ctx context.Context, job JobConfig) ([]Vertex[int], error) {
			var vertices []Vertex[int]
			for id := uint64(1); id <= n; id++ {
				vertices = append(vertices, Vertex[int]{Id: id, Edges: []Edge{{Target: id%n + 1, Weight: 1}}})
			}
			return vertices, nil
		},
		Aggregators: func(job JobConfig) []Aggregator {
			return []Aggregator{SumAggregator("runs")}
		},
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	return l
}

type testCluster struct {
	server         *CoordServer[int]
	workerListener net.Listener
	clientListener net.Listener
	httpListener   net.Listener
	client         *GraphClient
}

func startTestCluster(t *testing.T, config util.CoordConfig, runtime Runtime[int]) *testCluster {
	t.Helper()
	server, err := NewCoordServer(config, runtime, nil)
	if err != nil {
		t.Fatalf("could not create coord server: %v", err)
	}
	cluster := &testCluster{
		server:         server,
		workerListener: listen(t),
		clientListener: listen(t),
		httpListener:   listen(t),
	}
	go server.Serve(cluster.workerListener, cluster.clientListener, cluster.httpListener)

	cluster.client = NewClient()
	if _, err := cluster.client.Start("test-client", cluster.clientListener.Addr().String()); err != nil {
		t.Fatalf("could not start client: %v", err)
	}
	t.Cleanup(
		func() {
			cluster.client.Stop()
			server.Stop()
		},
	)
	return cluster
}

func TestServerRunsJobInProcess(t *testing.T) {
	cluster := startTestCluster(t, util.CoordConfig{AllowLocalWorkers: true}, testRuntime(6))

	result, err := cluster.client.RunJob(
		context.Background(), JobConfig{JobId: "local", MaxSupersteps: 4, NumWorkers: 3},
	)
	if err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("job failed: %v", result.Error)
	}
	if result.Supersteps != 4 || result.TotalVertices != 6 || result.MessagesSent != 24 {
		t.Errorf("unexpected result: %+v", result)
	}

	// the history is replayed to late watchers
	var progress []Progress
	err = cluster.client.WatchProgress(
		context.Background(), "local", func(p Progress) {
			progress = append(progress, p)
		},
	)
	if err != nil {
		t.Fatalf("WatchProgress failed: %v", err)
	}
	if len(progress) != 5 || !progress[4].Done {
		t.Fatalf("expected 5 progress updates ending in done, got %+v", progress)
	}
	if progress[1].Aggregates["runs"] != 6 {
		t.Errorf("expected 6 runs in superstep 1, got %v", progress[1].Aggregates)
	}
}

func TestServerWatchBeforeSubmit(t *testing.T) {
	cluster := startTestCluster(t, util.CoordConfig{AllowLocalWorkers: true}, testRuntime(2))

	watched := make(chan []Progress, 1)
	go func() {
		var progress []Progress
		cluster.client.WatchProgress(
			context.Background(), "early", func(p Progress) {
				progress = append(progress, p)
			},
		)
		watched <- progress
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := cluster.client.RunJob(context.Background(), JobConfig{JobId: "early", MaxSupersteps: 2}); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	select {
	case progress := <-watched:
		if len(progress) != 3 {
			t.Errorf("expected 3 updates, got %d", len(progress))
		}
	case <-time.After(5 * time.Second):
		t.Errorf("watcher never finished")
	}
}

func TestServerNeedsWorkers(t *testing.T) {
	cluster := startTestCluster(t, util.CoordConfig{}, testRuntime(2))

	notifyCh := cluster.client.notifyCh
	if err := cluster.client.SendJob(JobConfig{JobId: "starved", NumWorkers: 2}); err != nil {
		t.Fatalf("SendJob failed: %v", err)
	}
	select {
	case result := <-notifyCh:
		if !strings.Contains(result.Error, ErrNotEnoughWorker.Error()) {
			t.Errorf("expected a not enough workers error, got %q", result.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no result for the job")
	}
}

func TestServerRunsJobOnWorkers(t *testing.T) {
	runtime := testRuntime(8)
	cluster := startTestCluster(t, util.CoordConfig{LostMsgsThresh: 3}, runtime)

	for id := uint32(1); id <= 2; id++ {
		worker, err := NewWorkerServer(
			util.WorkerConfig{
				WorkerId:              id,
				CoordAddr:             cluster.workerListener.Addr().String(),
				WorkerListenAddr:      "127.0.0.1:0",
				FCheckAckLocalAddress: "127.0.0.1:0",
			}, runtime,
		)
		if err != nil {
			t.Fatalf("could not create worker %d: %v", id, err)
		}
		if err := worker.Start(); err != nil {
			t.Fatalf("worker %d could not start: %v", id, err)
		}
		t.Cleanup(worker.Stop)
	}
	if workers := cluster.server.Workers(); len(workers) != 2 {
		t.Fatalf("expected 2 joined workers, got %v", workers)
	}

	result, err := cluster.client.RunJob(
		context.Background(), JobConfig{JobId: "remote", MaxSupersteps: 3, NumWorkers: 2},
	)
	if err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("job failed: %v", result.Error)
	}
	if result.Supersteps != 3 || result.TotalVertices != 8 || result.MessagesSent != 24 {
		t.Errorf("unexpected result: %+v", result)
	}

	status, found := cluster.server.Job("remote")
	if !found || !status.Done || len(status.Progress) != 4 {
		t.Errorf("unexpected job status: %+v", status)
	}
}

func TestServerHTTPAPI(t *testing.T) {
	cluster := startTestCluster(t, util.CoordConfig{AllowLocalWorkers: true}, testRuntime(3))
	base := "http://" + cluster.httpListener.Addr().String()

	resp, err := http.Post(base+"/api/jobs", "application/json", strings.NewReader(`{"JobId": "http", "MaxSupersteps": 2}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %v", resp.Status)
	}

	var status JobStatus
	deadline := time.Now().Add(5 * time.Second)
	for !status.Done && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(base + "/api/jobs/http")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		status = JobStatus{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
	}
	if !status.Done || status.Result.Supersteps != 2 {
		t.Errorf("unexpected job status: %+v", status)
	}

	resp, err = http.Get(base + "/api/jobs/missing")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown job, got %v", resp.Status)
	}
}

// heldRuntime is testRuntime with a kernel that blocks at superstep 0 until
// release is closed. started is closed on the first kernel call.
func heldRuntime(n uint64, started, release chan struct{}) Runtime[int] {
	runtime := testRuntime(n)
	newKernel := runtime.NewKernel
	var once sync.Once
	runtime.NewKernel = func(job JobConfig) (Kernel[int], error) {
		kernel, err := newKernel(job)
		if err != nil {
			return nil, err
		}
		return KernelFunc[int](
			func(in ComputeInput[int]) (ComputeOutput[int], error) {
				if in.Superstep == 0 {
					once.Do(func() { close(started) })
					<-release
				}
				return kernel.Compute(in)
			},
		), nil
	}
	return runtime
}

func TestServerRejectsReusedJobId(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	cluster := startTestCluster(t, util.CoordConfig{AllowLocalWorkers: true}, heldRuntime(2, started, release))
	server := cluster.server

	type outcome struct {
		result JobResult
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := server.RunJob(context.Background(), JobConfig{JobId: "dup", MaxSupersteps: 2})
		first <- outcome{result, err}
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatalf("first job never started")
	}

	// same id while the first run holds the server
	_, err := server.RunJob(context.Background(), JobConfig{JobId: "dup", MaxSupersteps: 2})
	if !errors.Is(err, ErrJobBusy) {
		t.Errorf("expected ErrJobBusy, got %v", err)
	}
	if status, _ := server.Job("dup"); status.Done {
		t.Errorf("a rejected submission finished the running job: %+v", status)
	}

	close(release)
	var done outcome
	select {
	case done = <-first:
	case <-time.After(5 * time.Second):
		t.Fatalf("first job never finished")
	}
	if done.err != nil || done.result.Error != "" || done.result.Supersteps != 2 {
		t.Fatalf("first job should complete normally, got %+v, %v", done.result, done.err)
	}
	before, _ := server.Job("dup")
	if !before.Done || len(before.Progress) != 3 {
		t.Fatalf("unexpected status after the first run: %+v", before)
	}

	// same id once the first run is done
	_, err = server.RunJob(context.Background(), JobConfig{JobId: "dup", MaxSupersteps: 2})
	if !errors.Is(err, ErrJobExists) {
		t.Errorf("expected ErrJobExists, got %v", err)
	}
	after, _ := server.Job("dup")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("rerun changed the record: got %+v, want %+v", after, before)
	}

	// the HTTP API reports the conflict instead of queueing the run
	resp, err := http.Post(
		"http://"+cluster.httpListener.Addr().String()+"/api/jobs", "application/json",
		strings.NewReader(`{"JobId": "dup", "MaxSupersteps": 2}`),
	)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %v", resp.Status)
	}
}
