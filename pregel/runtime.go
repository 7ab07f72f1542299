package pregel

import (
	"context"
	"fmt"
)

// Runtime binds a vertex state type to the pieces that give it meaning. Both
// the coord and the workers build jobs from the same Runtime.
type Runtime[S any] struct {
	NewKernel   func(job JobConfig) (Kernel[S], error)
	LoadGraph   func(ctx context.Context, job JobConfig) ([]Vertex[S], error)
	Aggregators func(job JobConfig) []Aggregator
	// NewOutput may be nil, in which case results are only summarized
	NewOutput func(job JobConfig) (Output[S], error)
}

func (r Runtime[S]) validate() error {
	if r.NewKernel == nil || r.LoadGraph == nil {
		return fmt.Errorf("runtime needs both NewKernel and LoadGraph")
	}
	return nil
}

func (r Runtime[S]) aggregators(job JobConfig) []Aggregator {
	if r.Aggregators == nil {
		return nil
	}
	return r.Aggregators(job)
}
