package pregel

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

type AggregatorKind string

const (
	MAX AggregatorKind = "max"
	MIN AggregatorKind = "min"
	SUM AggregatorKind = "sum"
)

// Aggregator is a named global value reduced from every worker's partial
// with a commutative, associative operator. Merged values computed at
// superstep N are read by vertices at N+1.
type Aggregator struct {
	Name string
	Kind AggregatorKind
}

func MaxAggregator(name string) Aggregator { return Aggregator{Name: name, Kind: MAX} }
func MinAggregator(name string) Aggregator { return Aggregator{Name: name, Kind: MIN} }
func SumAggregator(name string) Aggregator { return Aggregator{Name: name, Kind: SUM} }

func (a Aggregator) Identity() float64 {
	switch a.Kind {
	case MAX:
		return math.Inf(-1)
	case MIN:
		return math.Inf(1)
	default:
		return 0
	}
}

func (a Aggregator) Reduce(x, y float64) float64 {
	switch a.Kind {
	case MAX:
		return math.Max(x, y)
	case MIN:
		return math.Min(x, y)
	default:
		return x + y
	}
}

func (a Aggregator) validate() error {
	if a.Name == "" {
		return fmt.Errorf("aggregator name is empty")
	}
	switch a.Kind {
	case MAX, MIN, SUM:
		return nil
	}
	return fmt.Errorf("aggregator %q: unknown kind %q", a.Name, a.Kind)
}

// Aggregates is a read-only snapshot of aggregator values keyed by name
type Aggregates map[string]float64

func (a Aggregates) Get(name string) (float64, bool) {
	value, found := a[name]
	return value, found
}

// MarshalJSON writes aggregators still at an infinite identity as null
func (a Aggregates) MarshalJSON() ([]byte, error) {
	values := make(map[string]*float64, len(a))
	for name, value := range a {
		if math.IsInf(value, 0) || math.IsNaN(value) {
			values[name] = nil
			continue
		}
		value := value
		values[name] = &value
	}
	return json.Marshal(values)
}

// AggregatorRegistry is the set of aggregators registered for a job
type AggregatorRegistry struct {
	aggregators map[string]Aggregator
	names       []string
}

func NewAggregatorRegistry(aggregators ...Aggregator) (*AggregatorRegistry, error) {
	r := &AggregatorRegistry{aggregators: make(map[string]Aggregator)}
	for _, agg := range aggregators {
		if err := r.Register(agg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *AggregatorRegistry) Register(agg Aggregator) error {
	if err := agg.validate(); err != nil {
		return err
	}
	if _, found := r.aggregators[agg.Name]; found {
		return fmt.Errorf("aggregator %q already registered", agg.Name)
	}
	r.aggregators[agg.Name] = agg
	r.names = append(r.names, agg.Name)
	sort.Strings(r.names)
	return nil
}

// List returns the registered aggregators sorted by name
func (r *AggregatorRegistry) List() []Aggregator {
	list := make([]Aggregator, 0, len(r.names))
	for _, name := range r.names {
		list = append(list, r.aggregators[name])
	}
	return list
}

// NewPartials returns a partial with every aggregator at its identity
func (r *AggregatorRegistry) NewPartials() Aggregates {
	partials := make(Aggregates, len(r.aggregators))
	for name, agg := range r.aggregators {
		partials[name] = agg.Identity()
	}
	return partials
}

// Accumulate folds value into partials. Contributions to aggregators that were
// never registered are ignored.
func (r *AggregatorRegistry) Accumulate(partials Aggregates, name string, value float64) {
	agg, found := r.aggregators[name]
	if !found {
		return
	}
	current, found := partials[name]
	if !found {
		current = agg.Identity()
	}
	partials[name] = agg.Reduce(current, value)
}

// Merge reduces the per-worker partials into the global values
func (r *AggregatorRegistry) Merge(partials ...Aggregates) Aggregates {
	merged := r.NewPartials()
	for _, partial := range partials {
		for name, value := range partial {
			r.Accumulate(merged, name, value)
		}
	}
	return merged
}
