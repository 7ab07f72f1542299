package pregel

import (
	"fmt"
	"net/rpc"
)

// Partition is the coord's handle on one worker, in-process or remote.
// Calls are not interrupted once issued: a superstep either completes on
// every partition or fails the job.
type Partition[S any] interface {
	LogicalId() uint32
	ComputeVertices(args ProgressSuperStep) (ProgressSuperStepResult, error)
	DeliverMessages(batch MessageBatch) (DeliverResult, error)
	Vertices() ([]Vertex[S], error)
	Close() error
}

// LocalPartition runs a Worker in the coord's process
type LocalPartition[S any] struct {
	worker *Worker[S]
}

func NewLocalPartition[S any](worker *Worker[S]) *LocalPartition[S] {
	return &LocalPartition[S]{worker: worker}
}

func (p *LocalPartition[S]) LogicalId() uint32 {
	return p.worker.LogicalId
}

func (p *LocalPartition[S]) ComputeVertices(args ProgressSuperStep) (
	result ProgressSuperStepResult, err error,
) {
	defer recoverWorker(p.worker.LogicalId, &err)
	return p.worker.ComputeVertices(args)
}

func (p *LocalPartition[S]) DeliverMessages(batch MessageBatch) (
	result DeliverResult, err error,
) {
	defer recoverWorker(p.worker.LogicalId, &err)
	return p.worker.DeliverMessages(batch)
}

func (p *LocalPartition[S]) Vertices() ([]Vertex[S], error) {
	return p.worker.Vertices(), nil
}

func (p *LocalPartition[S]) Close() error {
	return nil
}

func recoverWorker(logicalId uint32, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: worker %d panicked: %v", ErrWorkerFailed, logicalId, r)
	}
}

// LocalPartitions builds one in-process worker per partition of vertices
func LocalPartitions[S any](
	vertices []Vertex[S], numWorkers uint32, kernel Kernel[S],
	haltPolicy HaltPolicy,
) ([]Partition[S], error) {
	partitioner := HashPartitioner(numWorkers)
	partitions := make([]Partition[S], 0, numWorkers)
	for logicalId, owned := range PartitionVertices(vertices, numWorkers) {
		worker, err := NewWorker(uint32(logicalId), owned, kernel, partitioner, haltPolicy)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, NewLocalPartition(worker))
	}
	return partitions, nil
}

// RemotePartition calls a worker process over net/rpc. A close of failed
// (fed by the failure detector) fails every outstanding call.
type RemotePartition[S any] struct {
	node   WorkerNode
	client *rpc.Client
	failed <-chan struct{}
}

func NewRemotePartition[S any](
	node WorkerNode, client *rpc.Client, failed <-chan struct{},
) *RemotePartition[S] {
	return &RemotePartition[S]{node: node, client: client, failed: failed}
}

func (p *RemotePartition[S]) LogicalId() uint32 {
	return p.node.WorkerLogicalId
}

func (p *RemotePartition[S]) call(serviceMethod string, args interface{}, reply interface{}) error {
	call := p.client.Go(serviceMethod, args, reply, make(chan *rpc.Call, 1))
	select {
	case done := <-call.Done:
		if done.Error != nil {
			return fmt.Errorf(
				"%s on worker %d (%v): %w", serviceMethod,
				p.node.WorkerLogicalId, p.node.WorkerListenAddr, done.Error,
			)
		}
		return nil
	case <-p.failed:
		return fmt.Errorf(
			"%w: worker %d (%v) stopped responding to heartbeats",
			ErrWorkerFailed, p.node.WorkerLogicalId, p.node.WorkerFCheckAddr,
		)
	}
}

func (p *RemotePartition[S]) StartQuery(args StartSuperStep) (StartSuperStepResult, error) {
	var result StartSuperStepResult
	err := p.call("Worker.StartQuery", args, &result)
	return result, err
}

func (p *RemotePartition[S]) ComputeVertices(args ProgressSuperStep) (ProgressSuperStepResult, error) {
	var result ProgressSuperStepResult
	err := p.call("Worker.ComputeVertices", args, &result)
	return result, err
}

func (p *RemotePartition[S]) DeliverMessages(batch MessageBatch) (DeliverResult, error) {
	var result DeliverResult
	err := p.call("Worker.DeliverMessages", batch, &result)
	return result, err
}

func (p *RemotePartition[S]) Vertices() ([]Vertex[S], error) {
	var result CollectResult[S]
	err := p.call("Worker.CollectVertices", CollectRequest{}, &result)
	return result.Vertices, err
}

func (p *RemotePartition[S]) EndQuery(jobId string) error {
	var result EndQuery
	return p.call("Worker.EndQuery", EndQuery{JobId: jobId}, &result)
}

func (p *RemotePartition[S]) Close() error {
	return p.client.Close()
}
