package pregel

// ComputeInput is everything a kernel may read for one vertex invocation.
// Edges, Messages and Aggregates are read-only.
type ComputeInput[S any] struct {
	VertexId   uint64
	Superstep  uint64
	State      S
	Edges      []Edge
	Messages   []float32
	Aggregates Aggregates
}

// Outbound is a message produced by a kernel, addressed to Target
type Outbound struct {
	Target uint64
	Value  float32
}

// Contribution is a value folded into the named aggregator's partial
type Contribution struct {
	Name  string
	Value float64
}

type ComputeOutput[S any] struct {
	State         S
	Outbound      []Outbound
	Contributions []Contribution
	VoteToHalt    bool
}

// Kernel is the per-vertex state transition run once per superstep. It must
// not keep state between calls: everything it needs arrives in ComputeInput
// and everything it changes leaves in ComputeOutput. A returned error fails
// the job.
type Kernel[S any] interface {
	Compute(in ComputeInput[S]) (ComputeOutput[S], error)
}

type KernelFunc[S any] func(in ComputeInput[S]) (ComputeOutput[S], error)

func (f KernelFunc[S]) Compute(in ComputeInput[S]) (ComputeOutput[S], error) {
	return f(in)
}
