package pregel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/rpc"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	fchecker "neurograph/fcheck"
	"neurograph/util"
)

const dialWorkerTimeout = 5 * time.Second

// memberNode is a worker in the pool together with its failure detector
type memberNode struct {
	node    WorkerNode
	monitor *fchecker.Monitor
	failed  chan struct{}
}

// CoordServer accepts workers, runs jobs on them and serves the client
// and HTTP APIs
type CoordServer[S any] struct {
	config  util.CoordConfig
	runtime Runtime[S]
	logger  *log.Logger

	mx      sync.Mutex
	members map[uint32]*memberNode
	jobs    map[string]*jobRecord
	busy    bool

	grpcServer *grpc.Server
	httpServer *http.Server
	listeners  []net.Listener
}

func NewCoordServer[S any](config util.CoordConfig, runtime Runtime[S], logger *log.Logger) (*CoordServer[S], error) {
	if err := runtime.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CoordServer[S]{
		config:  config,
		runtime: runtime,
		logger:  logger,
		members: make(map[uint32]*memberNode),
		jobs:    make(map[string]*jobRecord),
	}, nil
}

// JoinWorker adds a worker to the pool and starts monitoring it
func (s *CoordServer[S]) JoinWorker(w WorkerNode, reply *WorkerNode) error {
	log.Printf("JoinWorker: Adding worker %d at %v\n", w.WorkerConfigId, w.WorkerListenAddr)

	localAddr := "127.0.0.1:0"
	if s.config.WorkerAPIListenAddr != "" {
		if addr, err := util.IPEmptyPortOnly(s.config.WorkerAPIListenAddr); err == nil {
			localAddr = addr
		}
	}
	monitor, err := fchecker.Start(
		fchecker.StartStruct{
			EpochNonce:                   rand.Uint64(),
			HBeatLocalIPHBeatLocalPort:   localAddr,
			HBeatRemoteIPHBeatRemotePort: w.WorkerFCheckAddr,
			LostMsgThresh:                s.config.LostMsgsThresh,
			ServerId:                     w.WorkerConfigId,
		},
	)
	if err != nil {
		log.Printf("JoinWorker: fchecker for worker %d failed: %v\n", w.WorkerConfigId, err)
		return err
	}
	member := &memberNode{node: w, monitor: monitor, failed: make(chan struct{})}

	s.mx.Lock()
	if previous, found := s.members[w.WorkerConfigId]; found {
		// a restarted worker replaces its old entry
		log.Printf("JoinWorker: worker %d rejoined, replacing %v\n", w.WorkerConfigId, previous.node.WorkerListenAddr)
		previous.monitor.Stop()
	}
	s.members[w.WorkerConfigId] = member
	s.mx.Unlock()

	go s.monitor(member)

	*reply = w
	return nil
}

func (s *CoordServer[S]) monitor(member *memberNode) {
	failure, ok := <-member.monitor.Notify()
	if !ok {
		return
	}
	log.Printf("monitor: worker %v failed: %v\n", member.node.WorkerConfigId, failure)
	close(member.failed)

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.members[member.node.WorkerConfigId] == member {
		delete(s.members, member.node.WorkerConfigId)
	}
}

// Workers lists the pool ordered by config id
func (s *CoordServer[S]) Workers() []WorkerNode {
	s.mx.Lock()
	defer s.mx.Unlock()
	workers := make([]WorkerNode, 0, len(s.members))
	for _, member := range s.members {
		workers = append(workers, member.node)
	}
	sort.Slice(
		workers, func(i, j int) bool {
			return workers[i].WorkerConfigId < workers[j].WorkerConfigId
		},
	)
	return workers
}

// PrepareJob fills the coord's job defaults and normalizes job
func (s *CoordServer[S]) PrepareJob(job JobConfig) (JobConfig, error) {
	defaults := s.config.Job
	if job.MaxSupersteps == 0 {
		job.MaxSupersteps = defaults.MaxSupersteps
	}
	if job.HaltPolicy == "" {
		job.HaltPolicy = HaltPolicy(defaults.HaltPolicy)
	}
	if job.NonFinite == "" {
		job.NonFinite = defaults.NonFinite
	}
	if job.OutputEvery == 0 {
		job.OutputEvery = defaults.OutputEvery
	}
	if job.OutputPath == "" {
		job.OutputPath = defaults.OutputPath
	}
	if job.Graph.Kind == "" && job.Graph.Location == "" {
		job.Graph = GraphSource{Kind: defaults.GraphKind, Location: defaults.GraphLocation}
	}
	if err := job.Normalize(); err != nil {
		return job, err
	}
	return job, nil
}

// RunJob runs job to completion. Only one job runs at a time and a job id
// runs at most once.
func (s *CoordServer[S]) RunJob(ctx context.Context, job JobConfig) (JobResult, error) {
	job, err := s.PrepareJob(job)
	if err != nil {
		return JobResult{JobId: job.JobId, Error: err.Error()}, err
	}
	record, err := s.admit(job.JobId)
	if err != nil {
		return JobResult{JobId: job.JobId, Error: err.Error()}, err
	}
	return s.run(ctx, job, record)
}

// admit reserves the server for jobId. The record of a rejected job is
// left untouched.
func (s *CoordServer[S]) admit(jobId string) (*jobRecord, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.busy {
		return nil, fmt.Errorf("RunJob: %w: cannot start job %v", ErrJobBusy, jobId)
	}
	// a record opened by an early watcher is claimed, a used one is not
	record, found := s.jobs[jobId]
	if !found {
		record = newJobRecord(jobId)
		s.jobs[jobId] = record
	}
	if !record.claim() {
		return nil, fmt.Errorf("RunJob: %w: %v", ErrJobExists, jobId)
	}
	s.busy = true
	return record, nil
}

// run executes an admitted job and releases the server
func (s *CoordServer[S]) run(ctx context.Context, job JobConfig, record *jobRecord) (JobResult, error) {
	defer func() {
		s.mx.Lock()
		s.busy = false
		s.mx.Unlock()
	}()

	log.Printf("RunJob: starting job %+v\n", job)
	result, err := s.runJob(ctx, job, record)
	if err != nil {
		result.JobId = job.JobId
		result.Error = err.Error()
		log.Printf("RunJob: job %v failed: %v\n", job.JobId, err)
	}
	record.finish(result)
	return result, err
}

func (s *CoordServer[S]) runJob(ctx context.Context, job JobConfig, record *jobRecord) (JobResult, error) {
	partitions, endQuery, err := s.partitions(ctx, job)
	if err != nil {
		return JobResult{}, err
	}
	coord, err := NewCoord(job, partitions)
	if err != nil {
		endQuery()
		for _, p := range partitions {
			p.Close()
		}
		return JobResult{}, err
	}
	defer func() {
		endQuery()
		if err := coord.Close(); err != nil {
			log.Printf("runJob: closing job %v: %v\n", job.JobId, err)
		}
	}()

	for _, agg := range s.runtime.aggregators(job) {
		if err := coord.RegisterAggregator(agg); err != nil {
			return JobResult{}, err
		}
	}
	if s.runtime.NewOutput != nil {
		output, err := s.runtime.NewOutput(job)
		if err != nil {
			return JobResult{}, fmt.Errorf("output for job %v: %w", job.JobId, err)
		}
		coord.SetOutput(output)
	}
	coord.SetLogger(s.logger)
	coord.OnProgress(record.publish)

	s.logger.Printf("Starting job %v on %d workers\n", job.JobId, len(partitions))
	result, err := coord.Run(ctx)
	if err == nil {
		s.logger.Printf(
			"Completed job %v at superstep %d with aggregates %v\n",
			job.JobId, result.Supersteps, result.Aggregates,
		)
	}
	return result, err
}

// partitions builds the partitions of job, on joined workers when there are
// enough of them and in-process when allowed otherwise
func (s *CoordServer[S]) partitions(ctx context.Context, job JobConfig) ([]Partition[S], func(), error) {
	s.mx.Lock()
	members := make([]*memberNode, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member)
	}
	s.mx.Unlock()

	if uint32(len(members)) >= job.NumWorkers {
		return s.remotePartitions(job, members)
	}
	if !s.config.AllowLocalWorkers {
		return nil, nil, fmt.Errorf(
			"%w: job %v needs %d, %d joined",
			ErrNotEnoughWorker, job.JobId, job.NumWorkers, len(members),
		)
	}

	log.Printf("partitions: running job %v on %d in-process workers\n", job.JobId, job.NumWorkers)
	kernel, err := s.runtime.NewKernel(job)
	if err != nil {
		return nil, nil, err
	}
	vertices, err := s.runtime.LoadGraph(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	partitions, err := LocalPartitions(vertices, job.NumWorkers, kernel, job.HaltPolicy)
	if err != nil {
		return nil, nil, err
	}
	return partitions, func() {}, nil
}

func (s *CoordServer[S]) remotePartitions(job JobConfig, members []*memberNode) ([]Partition[S], func(), error) {
	sort.Slice(
		members, func(i, j int) bool {
			return members[i].node.WorkerConfigId < members[j].node.WorkerConfigId
		},
	)
	members = members[:job.NumWorkers]

	remotes := make([]*RemotePartition[S], 0, len(members))
	cleanup := func() {
		var endQuery errgroup.Group
		for _, remote := range remotes {
			remote := remote
			endQuery.Go(
				func() error {
					return remote.EndQuery(job.JobId)
				},
			)
		}
		if err := endQuery.Wait(); err != nil {
			log.Printf("endQuery: %v\n", err)
		}
	}

	for logicalId, member := range members {
		node := member.node
		node.WorkerLogicalId = uint32(logicalId)
		client, err := util.DialRPC("", node.WorkerListenAddr, dialWorkerTimeout)
		if err != nil {
			for _, remote := range remotes {
				remote.Close()
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrWorkerFailed, err)
		}
		remotes = append(remotes, NewRemotePartition[S](node, client, member.failed))
	}

	var start errgroup.Group
	for _, remote := range remotes {
		remote := remote
		start.Go(
			func() error {
				res, err := remote.StartQuery(
					StartSuperStep{
						Job:             job,
						NumWorkers:      job.NumWorkers,
						WorkerLogicalId: remote.LogicalId(),
					},
				)
				if err != nil {
					return err
				}
				log.Printf("StartQuery: worker %d loaded %d vertices\n", res.WorkerLogicalId, res.NumVertices)
				return nil
			},
		)
	}
	if err := start.Wait(); err != nil {
		cleanup()
		for _, remote := range remotes {
			remote.Close()
		}
		return nil, nil, err
	}

	partitions := make([]Partition[S], 0, len(remotes))
	for _, remote := range remotes {
		partitions = append(partitions, remote)
	}
	return partitions, cleanup, nil
}

func (s *CoordServer[S]) record(jobId string) *jobRecord {
	s.mx.Lock()
	defer s.mx.Unlock()
	record, found := s.jobs[jobId]
	if !found {
		record = newJobRecord(jobId)
		s.jobs[jobId] = record
	}
	return record
}

// Job returns what is known about a job so far
func (s *CoordServer[S]) Job(jobId string) (JobStatus, bool) {
	s.mx.Lock()
	record, found := s.jobs[jobId]
	s.mx.Unlock()
	if !found {
		return JobStatus{}, false
	}
	return record.status(), true
}

func (s *CoordServer[S]) Jobs() []JobStatus {
	s.mx.Lock()
	records := make([]*jobRecord, 0, len(s.jobs))
	for _, record := range s.jobs {
		records = append(records, record)
	}
	s.mx.Unlock()

	statuses := make([]JobStatus, 0, len(records))
	for _, record := range records {
		statuses = append(statuses, record.status())
	}
	sort.Slice(
		statuses, func(i, j int) bool {
			return statuses[i].JobId < statuses[j].JobId
		},
	)
	return statuses
}

// StartJob is the gRPC entry point
func (s *CoordServer[S]) StartJob(ctx context.Context, job *JobConfig) (*JobResult, error) {
	result, err := s.RunJob(ctx, *job)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}
	// job failures are reported in the result, not as transport errors
	return &result, nil
}

// JobProgress streams every superstep of a job, from the first one, until
// the job is done. The job may be submitted after the stream is opened.
func (s *CoordServer[S]) JobProgress(req *ProgressRequest, stream CoordJobProgressServer) error {
	record := s.record(req.JobId)
	return record.watch(
		stream.Context(), func(p Progress) error {
			return stream.Send(&p)
		},
	)
}

// Serve runs the worker, client and HTTP APIs on the given listeners until
// one of them fails or Stop is called. httpListener may be nil.
func (s *CoordServer[S]) Serve(workerListener, clientListener, httpListener net.Listener) error {
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Coord", s); err != nil {
		return fmt.Errorf("Serve: coord could not register RPCs: %w", err)
	}

	s.mx.Lock()
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	RegisterCoordAPIServer(s.grpcServer, s)
	s.listeners = []net.Listener{workerListener, clientListener}
	if httpListener != nil {
		s.httpServer = &http.Server{
			Handler:     s.httpHandler(),
			ReadTimeout: 15 * time.Second,
		}
		s.listeners = append(s.listeners, httpListener)
	}
	grpcServer, httpServer := s.grpcServer, s.httpServer
	s.mx.Unlock()

	log.Printf("Serve: Listening for workers at %v\n", workerListener.Addr())
	log.Printf("Serve: Listening for clients at %v\n", clientListener.Addr())

	var servers errgroup.Group
	servers.Go(
		func() error {
			for {
				conn, err := workerListener.Accept()
				if err != nil {
					if errors.Is(err, net.ErrClosed) {
						return nil
					}
					return fmt.Errorf("listenWorkers: %w", err)
				}
				go rpcServer.ServeConn(conn)
			}
		},
	)
	servers.Go(
		func() error {
			return grpcServer.Serve(clientListener)
		},
	)
	if httpServer != nil {
		log.Printf("Serve: Listening for HTTP requests at %v\n", httpListener.Addr())
		servers.Go(
			func() error {
				if err := httpServer.Serve(httpListener); err != http.ErrServerClosed {
					return err
				}
				return nil
			},
		)
	}
	return servers.Wait()
}

// Start listens on the addresses of the coord config and serves. It only
// returns on error or after Stop.
func (s *CoordServer[S]) Start() error {
	workerListener, err := net.Listen("tcp", s.config.WorkerAPIListenAddr)
	if err != nil {
		return fmt.Errorf("Start: listen for workers: %w", err)
	}
	clientListener, err := net.Listen("tcp", s.config.ClientAPIListenAddr)
	if err != nil {
		workerListener.Close()
		return fmt.Errorf("Start: listen for clients: %w", err)
	}
	var httpListener net.Listener
	if s.config.ExternalAPIListenAddr != "" {
		httpListener, err = net.Listen("tcp", s.config.ExternalAPIListenAddr)
		if err != nil {
			workerListener.Close()
			clientListener.Close()
			return fmt.Errorf("Start: listen for HTTP: %w", err)
		}
	}
	return s.Serve(workerListener, clientListener, httpListener)
}

// Stop closes every listener and stops monitoring workers
func (s *CoordServer[S]) Stop() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	for _, l := range s.listeners {
		l.Close()
	}
	for _, member := range s.members {
		member.monitor.Stop()
	}
}
