package pregel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"sync"
	"time"

	fchecker "neurograph/fcheck"
	"neurograph/util"
)

const joinTimeout = 30 * time.Second

// WorkerServer is a worker process. It joins the coord, answers heartbeats
// and runs one partition of each job the coord hands it over net/rpc.
type WorkerServer[S any] struct {
	config    util.WorkerConfig
	runtime   Runtime[S]
	mx        sync.Mutex
	job       JobConfig
	worker    *Worker[S]
	listener  net.Listener
	responder *fchecker.Responder
	coord     *rpc.Client
	done      chan struct{}
	stopOnce  sync.Once
}

func NewWorkerServer[S any](config util.WorkerConfig, runtime Runtime[S]) (*WorkerServer[S], error) {
	if err := runtime.validate(); err != nil {
		return nil, err
	}
	return &WorkerServer[S]{
		config:  config,
		runtime: runtime,
		done:    make(chan struct{}),
	}, nil
}

// Start listens for the coord, starts the heartbeat responder and joins the
// coord. It returns once the worker has joined.
func (w *WorkerServer[S]) Start() error {
	if w.config.CoordAddr == "" {
		return errors.New("Start: worker has no coord address. Please initialize the worker config before calling Start")
	}

	handler := rpc.NewServer()
	if err := handler.RegisterName("Worker", w); err != nil {
		return fmt.Errorf("Start: worker %v could not register RPCs: %w", w.config.WorkerId, err)
	}

	listener, err := net.Listen("tcp", w.config.WorkerListenAddr)
	if err != nil {
		return fmt.Errorf(
			"Start: worker %v could not listen on %v: %w",
			w.config.WorkerId, w.config.WorkerListenAddr, err,
		)
	}
	w.listener = listener
	go w.listenCoord(handler)

	ackAddr := w.config.FCheckAckLocalAddress
	if ackAddr == "" {
		ackAddr = "127.0.0.1:0"
	}
	responder, err := fchecker.Respond(ackAddr)
	if err != nil {
		w.Stop()
		return fmt.Errorf("Start: fchecker for worker %d failed: %w", w.config.WorkerId, err)
	}
	w.responder = responder
	log.Printf("Start: hBeatAddr for worker %d is %v\n", w.config.WorkerId, responder.Addr())

	localAddr := ""
	if w.config.WorkerAddr != "" {
		localAddr, err = util.IPEmptyPortOnly(w.config.WorkerAddr)
		if err != nil {
			w.Stop()
			return err
		}
	}
	coord, err := util.DialRPC(localAddr, w.config.CoordAddr, joinTimeout)
	if err != nil {
		w.Stop()
		return fmt.Errorf("Start: worker %d failed to dial coord: %w", w.config.WorkerId, err)
	}
	w.coord = coord

	node := WorkerNode{
		WorkerConfigId:   w.config.WorkerId,
		WorkerAddr:       w.config.WorkerAddr,
		WorkerFCheckAddr: responder.Addr(),
		WorkerListenAddr: listener.Addr().String(),
	}
	var response WorkerNode
	if err := coord.Call("Coord.JoinWorker", node, &response); err != nil {
		w.Stop()
		return fmt.Errorf("Start: worker %v could not join: %w", w.config.WorkerId, err)
	}

	log.Printf("Start: worker %v joined coord %v\n", w.config.WorkerId, w.config.CoordAddr)
	return nil
}

func (w *WorkerServer[S]) listenCoord(handler *rpc.Server) {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.done:
			default:
				log.Printf("listenCoord: worker %v stopped accepting: %v\n", w.config.WorkerId, err)
			}
			return
		}
		go handler.ServeConn(conn)
	}
}

// Addr is where the coord reaches this worker
func (w *WorkerServer[S]) Addr() string {
	return w.listener.Addr().String()
}

// Done is closed once the worker is stopped
func (w *WorkerServer[S]) Done() <-chan struct{} {
	return w.done
}

// Stop stops listening and answering heartbeats, so the coord sees the
// worker as failed
func (w *WorkerServer[S]) Stop() {
	w.stopOnce.Do(
		func() {
			close(w.done)
			if w.listener != nil {
				w.listener.Close()
			}
			if w.responder != nil {
				w.responder.Stop()
			}
			if w.coord != nil {
				w.coord.Close()
			}
		},
	)
}

// StartQuery loads the partition this worker owns for a new job
func (w *WorkerServer[S]) StartQuery(args StartSuperStep, reply *StartSuperStepResult) error {
	job := args.Job
	if err := job.Normalize(); err != nil {
		return err
	}
	log.Printf(
		"StartQuery: worker %v loading job %v as logical worker %d of %d\n",
		w.config.WorkerId, job.JobId, args.WorkerLogicalId, args.NumWorkers,
	)

	kernel, err := w.runtime.NewKernel(job)
	if err != nil {
		return fmt.Errorf("StartQuery: kernel for job %v: %w", job.JobId, err)
	}
	vertices, err := w.runtime.LoadGraph(context.Background(), job)
	if err != nil {
		return fmt.Errorf("StartQuery: graph for job %v: %w", job.JobId, err)
	}

	partitioner := HashPartitioner(args.NumWorkers)
	owned := make([]Vertex[S], 0, len(vertices)/int(args.NumWorkers)+1)
	for _, v := range vertices {
		if partitioner(v.Id) == args.WorkerLogicalId {
			owned = append(owned, v)
		}
	}
	worker, err := NewWorker(args.WorkerLogicalId, owned, kernel, partitioner, job.HaltPolicy)
	if err != nil {
		return err
	}

	w.mx.Lock()
	w.job = job
	w.worker = worker
	w.mx.Unlock()

	*reply = StartSuperStepResult{
		WorkerLogicalId: args.WorkerLogicalId,
		NumVertices:     uint64(len(owned)),
	}
	return nil
}

func (w *WorkerServer[S]) current() (*Worker[S], error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.worker == nil {
		return nil, fmt.Errorf("worker %v has no running job", w.config.WorkerId)
	}
	return w.worker, nil
}

func (w *WorkerServer[S]) ComputeVertices(args ProgressSuperStep, reply *ProgressSuperStepResult) (err error) {
	worker, err := w.current()
	if err != nil {
		return err
	}
	defer recoverWorker(worker.LogicalId, &err)

	result, err := worker.ComputeVertices(args)
	if err != nil {
		log.Printf("ComputeVertices: worker %v superstep %d failed: %v\n", w.config.WorkerId, args.SuperStepNum, err)
		return err
	}
	*reply = result
	return nil
}

func (w *WorkerServer[S]) DeliverMessages(args MessageBatch, reply *DeliverResult) error {
	worker, err := w.current()
	if err != nil {
		return err
	}
	result, err := worker.DeliverMessages(args)
	if err != nil {
		return err
	}
	*reply = result
	return nil
}

func (w *WorkerServer[S]) CollectVertices(args CollectRequest, reply *CollectResult[S]) error {
	worker, err := w.current()
	if err != nil {
		return err
	}
	reply.Vertices = worker.Vertices()
	return nil
}

// EndQuery drops the partition of a finished job
func (w *WorkerServer[S]) EndQuery(args EndQuery, reply *EndQuery) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	log.Printf("EndQuery: worker %v done with job %v\n", w.config.WorkerId, w.job.JobId)
	w.worker = nil
	w.job = JobConfig{}
	*reply = args
	return nil
}
