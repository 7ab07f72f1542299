// Package sim binds the neuron model to the graph engine and the graph
// stores.
package sim

import (
	"context"

	"neurograph/database"
	_ "neurograph/database/mongodb"
	"neurograph/neuron"
	"neurograph/pregel"
)

// Runtime is shared by the coord and worker binaries so both build a job
// from the same pieces
func Runtime() pregel.Runtime[neuron.State] {
	return pregel.Runtime[neuron.State]{
		NewKernel:   newKernel,
		LoadGraph:   LoadGraph,
		Aggregators: func(pregel.JobConfig) []pregel.Aggregator { return neuron.Aggregators() },
		NewOutput:   newOutput,
	}
}

func newKernel(job pregel.JobConfig) (pregel.Kernel[neuron.State], error) {
	kernel, err := neuron.NewKernel(job)
	if err != nil {
		return nil, err
	}
	return kernel, nil
}

// LoadGraph loads and validates the job's graph. Neurons without a generator
// state get one derived from the job seed and their id.
func LoadGraph(ctx context.Context, job pregel.JobConfig) ([]pregel.Vertex[neuron.State], error) {
	graph, err := database.Load(ctx, job.Graph)
	if err != nil {
		return nil, err
	}
	for i := range graph {
		if graph[i].State.RNG == 0 {
			graph[i].State.RNG = neuron.SeedRNG(job.Seed, graph[i].Id)
		}
	}
	return graph, nil
}

func newOutput(job pregel.JobConfig) (pregel.Output[neuron.State], error) {
	if job.OutputPath == "" {
		return nil, nil
	}
	store, err := database.NewSnapshotStore(job.OutputPath, job.JobId)
	if err != nil {
		return nil, err
	}
	return store, nil
}
