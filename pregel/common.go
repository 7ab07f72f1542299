package pregel

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateVertex = errors.New("duplicate vertex id")
	ErrUnknownVertex   = errors.New("unknown vertex id")
	ErrStaleMessage    = errors.New("message does not belong to the active superstep")
	ErrInboxNotReady   = errors.New("inbox is not ready for superstep")
	ErrWorkerFailed    = errors.New("worker failed")
	ErrNotEnoughWorker = errors.New("not enough workers")
	ErrJobBusy         = errors.New("another job is running")
	ErrJobExists       = errors.New("job id already used")
)

const DefaultMaxSupersteps = 50

type HaltPolicy string

const (
	// REACTIVATE runs a halted vertex again when it has pending messages
	REACTIVATE HaltPolicy = "reactivate"
	// PERMANENT keeps halted vertices halted and drops their messages
	PERMANENT HaltPolicy = "permanent"
)

// GraphSource names where the graph of a job is loaded from. Kind selects
// the loader and Location is its file, table or connection string.
type GraphSource struct {
	Kind     string
	Location string
}

// JobConfig is the configuration surface of a single simulation job
type JobConfig struct {
	JobId         string
	MaxSupersteps uint64
	NumWorkers    uint32
	HaltPolicy    HaltPolicy
	NonFinite     string
	Seed          uint64
	OutputEvery   uint64
	OutputPath    string
	Graph         GraphSource
}

// Normalize fills defaults and rejects invalid values
func (j *JobConfig) Normalize() error {
	if j.JobId == "" {
		j.JobId = fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	if j.MaxSupersteps == 0 {
		j.MaxSupersteps = DefaultMaxSupersteps
	}
	if j.NumWorkers == 0 {
		j.NumWorkers = 1
	}
	switch j.HaltPolicy {
	case "":
		j.HaltPolicy = REACTIVATE
	case REACTIVATE, PERMANENT:
	default:
		return fmt.Errorf("unknown halt policy %q", j.HaltPolicy)
	}
	return nil
}

type WorkerNode struct {
	WorkerConfigId   uint32
	WorkerLogicalId  uint32
	WorkerAddr       string
	WorkerFCheckAddr string
	WorkerListenAddr string
}

// WorkerPool maps worker config ids to the workers that joined the coord
type WorkerPool map[uint32]WorkerNode

type StartSuperStep struct {
	Job             JobConfig
	NumWorkers      uint32
	WorkerLogicalId uint32
}

type StartSuperStepResult struct {
	WorkerLogicalId uint32
	NumVertices     uint64
}

// ProgressSuperStep tells a worker to run superstep SuperStepNum with the
// aggregates merged at the end of the previous superstep
type ProgressSuperStep struct {
	SuperStepNum uint64
	Aggregates   Aggregates
	Aggregators  []Aggregator
}

type ProgressSuperStepResult struct {
	SuperStepNum     uint64
	WorkerLogicalId  uint32
	Outgoing         map[uint32][]Message // destination worker -> messages
	Partials         Aggregates
	MessagesSent     uint64
	VerticesComputed uint64
	Halted           uint64
	NumVertices      uint64
}

type MessageBatch struct {
	SuperStepNum uint64
	Messages     []Message
}

type DeliverResult struct {
	Delivered uint64
}

type CollectRequest struct {
	JobId string
}

type CollectResult[S any] struct {
	Vertices []Vertex[S]
}

type EndQuery struct {
	JobId string
}

// Progress is published by the coord after every superstep barrier
type Progress struct {
	JobId        string
	SuperStepNum uint64
	Active       uint64
	Halted       uint64
	MessagesSent uint64
	Aggregates   Aggregates
	Duration     time.Duration
	Done         bool
}

type JobResult struct {
	JobId         string
	Supersteps    uint64
	TotalVertices uint64
	MessagesSent  uint64
	Aggregates    Aggregates
	Error         string
}
