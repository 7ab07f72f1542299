package neuron

import (
	"errors"
	"fmt"
	"log"
	"math"

	"neurograph/pregel"
)

const (
	Threshold = 30.0

	PotentialMax = "potential.max"
	PotentialMin = "potential.min"
	FiredCount   = "fired.count"

	clampLimit = 1e6
)

var ErrNonFinite = errors.New("non-finite neuron state")

// NonFinitePolicy says what happens when a neuron's state overflows
type NonFinitePolicy string

const (
	FAIL      NonFinitePolicy = "fail"
	CLAMP     NonFinitePolicy = "clamp"
	PROPAGATE NonFinitePolicy = "propagate"
)

func ParseNonFinitePolicy(name string) (NonFinitePolicy, error) {
	switch NonFinitePolicy(name) {
	case "":
		return FAIL, nil
	case FAIL, CLAMP, PROPAGATE:
		return NonFinitePolicy(name), nil
	}
	return "", fmt.Errorf("unknown non-finite policy %q", name)
}

// Aggregators are the global values the kernel contributes to
func Aggregators() []pregel.Aggregator {
	return []pregel.Aggregator{
		pregel.MaxAggregator(PotentialMax),
		pregel.MinAggregator(PotentialMin),
		pregel.SumAggregator(FiredCount),
	}
}

// Kernel advances one neuron by one millisecond per superstep. Neurons vote
// to halt once the superstep reaches MaxSupersteps.
type Kernel struct {
	MaxSupersteps uint64
	NonFinite     NonFinitePolicy
	Normal        NormalFunc
	Logger        *log.Logger
}

func NewKernel(job pregel.JobConfig) (*Kernel, error) {
	policy, err := ParseNonFinitePolicy(job.NonFinite)
	if err != nil {
		return nil, err
	}
	maxSupersteps := job.MaxSupersteps
	if maxSupersteps == 0 {
		maxSupersteps = pregel.DefaultMaxSupersteps
	}
	return &Kernel{MaxSupersteps: maxSupersteps, NonFinite: policy}, nil
}

func (k *Kernel) warnf(format string, args ...interface{}) {
	if k.Logger != nil {
		k.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (k *Kernel) Compute(in pregel.ComputeInput[State]) (pregel.ComputeOutput[State], error) {
	if in.Superstep >= k.MaxSupersteps {
		return pregel.ComputeOutput[State]{State: in.State, VoteToHalt: true}, nil
	}

	s := in.State
	var synapticSum float32
	for _, payload := range in.Messages {
		synapticSum += payload
	}
	s.SynapticSum = synapticSum

	normal := k.Normal
	if normal == nil {
		normal = StandardNormal
	}
	var current float32
	if stimulate, found := stimuli[s.Type]; found {
		current = stimulate(&s, in.Superstep, normal)
	} else {
		k.warnf("Compute: vertex %d has unknown neuron type %v, no current injected\n", in.VertexId, s.Type)
	}

	evolve(&s, current+s.SynapticSum)

	var out pregel.ComputeOutput[State]
	if s.Potential >= Threshold {
		out.Outbound = make([]pregel.Outbound, 0, len(in.Edges))
		for _, edge := range in.Edges {
			out.Outbound = append(out.Outbound, pregel.Outbound{Target: edge.Target, Value: edge.Weight})
		}
		s.Potential = s.C
		s.Recovery += s.D
		s.Fired = true
	}

	if !s.finite() {
		switch k.NonFinite {
		case CLAMP:
			clamp(&s)
		case PROPAGATE:
		default:
			return pregel.ComputeOutput[State]{}, fmt.Errorf(
				"%w: vertex %d at superstep %d: potential %v recovery %v",
				ErrNonFinite, in.VertexId, in.Superstep, s.Potential, s.Recovery,
			)
		}
	}

	fired := 0.0
	if s.Fired {
		fired = 1
	}
	out.Contributions = []pregel.Contribution{
		{Name: PotentialMax, Value: float64(s.Potential)},
		{Name: PotentialMin, Value: float64(s.Potential)},
		{Name: FiredCount, Value: fired},
	}
	out.State = s
	return out, nil
}

// evolve integrates the Izhikevich equations with two half steps of 0.5ms,
// the second starting from the potential the first produced. The potential
// is accumulated in double precision and stored in single precision; the
// linear term 5v and all of recovery stay single precision. Products are
// converted explicitly so they are never fused into multiply-adds.
func evolve(s *State, input float32) {
	u := float64(s.Recovery)
	i := float64(input)
	halfStep := func(v float32) float32 {
		p := float64(v)
		dv := float64(float64(0.04*p)*p) + float64(float32(5*v)) + 140 - u + i
		return float32(p + float64(0.5*dv))
	}
	s.Potential = halfStep(s.Potential)
	s.Potential = halfStep(s.Potential)

	s.Recovery += float32(s.A * float32(float32(s.B*s.Potential)-s.Recovery))

	s.Time++
	s.SynapticSum = 0
	s.Fired = false
}

func clamp(s *State) {
	if math.IsNaN(float64(s.Potential)) {
		s.Potential = s.C
	}
	if math.IsNaN(float64(s.Recovery)) {
		s.Recovery = float32(s.B * s.C)
	}
	s.Potential = float32(math.Max(-clampLimit, math.Min(clampLimit, float64(s.Potential))))
	s.Recovery = float32(math.Max(-clampLimit, math.Min(clampLimit, float64(s.Recovery))))
}
