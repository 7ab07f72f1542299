package pregel

import (
	"fmt"
	"sync"

	"neurograph/util"
)

// Partitioner maps a vertex id to the logical id of the worker owning it
type Partitioner func(vertexId uint64) uint32

// HashPartitioner spreads vertices over numWorkers by hashing their ids
func HashPartitioner(numWorkers uint32) Partitioner {
	return func(vertexId uint64) uint32 {
		return util.PartitionOf(vertexId, numWorkers)
	}
}

// PartitionVertices splits vertices into numWorkers disjoint partitions
func PartitionVertices[S any](vertices []Vertex[S], numWorkers uint32) [][]Vertex[S] {
	partitioner := HashPartitioner(numWorkers)
	partitions := make([][]Vertex[S], numWorkers)
	for _, v := range vertices {
		owner := partitioner(v.Id)
		partitions[owner] = append(partitions[owner], v)
	}
	return partitions
}

// Worker owns one partition of the vertices. Each superstep it runs the
// kernel on every eligible vertex and hands back the messages addressed to
// vertices owned by other workers.
type Worker[S any] struct {
	LogicalId   uint32
	store       *VertexStore[S]
	router      *Router
	kernel      Kernel[S]
	partitioner Partitioner
	haltPolicy  HaltPolicy
	superstep   uint64
	mx          sync.Mutex
}

func NewWorker[S any](
	logicalId uint32, vertices []Vertex[S], kernel Kernel[S],
	partitioner Partitioner, haltPolicy HaltPolicy,
) (*Worker[S], error) {
	store, err := NewVertexStore(vertices)
	if err != nil {
		return nil, err
	}
	for _, id := range store.Ids() {
		if owner := partitioner(id); owner != logicalId {
			return nil, fmt.Errorf(
				"NewWorker: vertex %d belongs to worker %d, not %d",
				id, owner, logicalId,
			)
		}
	}
	if haltPolicy == "" {
		haltPolicy = REACTIVATE
	}
	return &Worker[S]{
		LogicalId:   logicalId,
		store:       store,
		router:      NewRouter(),
		kernel:      kernel,
		partitioner: partitioner,
		haltPolicy:  haltPolicy,
	}, nil
}

func (w *Worker[S]) isEligible(v *Vertex[S]) bool {
	if !v.Halted {
		return true
	}
	return w.haltPolicy == REACTIVATE && w.router.HasMessages(v.Id)
}

func (w *Worker[S]) ComputeVertices(args ProgressSuperStep) (ProgressSuperStepResult, error) {
	w.mx.Lock()
	defer w.mx.Unlock()

	ssn := args.SuperStepNum
	if ssn != w.superstep {
		return ProgressSuperStepResult{}, fmt.Errorf(
			"ComputeVertices: worker %d expected superstep %d, got %d",
			w.LogicalId, w.superstep, ssn,
		)
	}
	if ssn > 0 {
		if err := w.router.Advance(ssn); err != nil {
			return ProgressSuperStepResult{}, err
		}
	}

	registry, err := NewAggregatorRegistry(args.Aggregators...)
	if err != nil {
		return ProgressSuperStepResult{}, err
	}

	result := ProgressSuperStepResult{
		SuperStepNum:    ssn,
		WorkerLogicalId: w.LogicalId,
		Outgoing:        make(map[uint32][]Message),
		Partials:        registry.NewPartials(),
		NumVertices:     uint64(w.store.Len()),
	}

	for _, id := range w.store.Ids() {
		vertex, _ := w.store.Get(id)
		if !w.isEligible(vertex) {
			continue
		}

		messages, err := w.router.DrainInbox(id, ssn)
		if err != nil {
			return ProgressSuperStepResult{}, err
		}
		out, err := w.kernel.Compute(
			ComputeInput[S]{
				VertexId:   id,
				Superstep:  ssn,
				State:      vertex.State,
				Edges:      vertex.Edges,
				Messages:   messages,
				Aggregates: args.Aggregates,
			},
		)
		if err != nil {
			return ProgressSuperStepResult{}, fmt.Errorf(
				"ComputeVertices: vertex %d at superstep %d: %w", id, ssn, err,
			)
		}

		vertex.State = out.State
		vertex.Halted = out.VoteToHalt
		result.VerticesComputed++

		for _, o := range out.Outbound {
			if err := w.send(ssn, id, o, result.Outgoing); err != nil {
				return ProgressSuperStepResult{}, err
			}
			result.MessagesSent++
		}
		for _, c := range out.Contributions {
			registry.Accumulate(result.Partials, c.Name, c.Value)
		}
	}

	result.Halted = uint64(w.store.HaltedCount())
	w.superstep++
	return result, nil
}

func (w *Worker[S]) send(
	ssn uint64, sourceId uint64, o Outbound, outgoing map[uint32][]Message,
) error {
	owner := w.partitioner(o.Target)
	if owner != w.LogicalId {
		outgoing[owner] = append(
			outgoing[owner], Message{
				SuperStepNum:   ssn,
				SourceVertexId: sourceId,
				DestVertexId:   o.Target,
				Value:          o.Value,
			},
		)
		return nil
	}
	if _, found := w.store.Get(o.Target); !found {
		return fmt.Errorf(
			"%w: vertex %d sent to %d", ErrUnknownVertex, sourceId, o.Target,
		)
	}
	return w.router.Send(ssn, o.Target, o.Value)
}

// DeliverMessages stores messages sent to this worker's vertices by other
// workers. It must complete before the next ComputeVertices call.
func (w *Worker[S]) DeliverMessages(batch MessageBatch) (DeliverResult, error) {
	var result DeliverResult
	for _, msg := range batch.Messages {
		if _, found := w.store.Get(msg.DestVertexId); !found {
			return result, fmt.Errorf(
				"%w: worker %d does not own vertex %d",
				ErrUnknownVertex, w.LogicalId, msg.DestVertexId,
			)
		}
		if err := w.router.Send(msg.SuperStepNum, msg.DestVertexId, msg.Value); err != nil {
			return result, err
		}
		result.Delivered++
	}
	return result, nil
}

func (w *Worker[S]) Vertices() []Vertex[S] {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.store.Snapshot()
}
