package pregel

import (
	"encoding/json"
	"math"
	"testing"
)

func TestAggregatorMerge(t *testing.T) {
	registry, err := NewAggregatorRegistry(
		MaxAggregator("max"), MinAggregator("min"), SumAggregator("sum"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := registry.NewPartials()
	second := registry.NewPartials()
	for _, value := range []float64{3, -2, 7} {
		registry.Accumulate(first, "max", value)
		registry.Accumulate(first, "min", value)
		registry.Accumulate(first, "sum", value)
	}
	registry.Accumulate(second, "max", 10)
	registry.Accumulate(second, "sum", 0.5)
	registry.Accumulate(second, "unregistered", 100)

	merged := registry.Merge(first, second)
	expected := Aggregates{"max": 10, "min": -2, "sum": 8.5}
	for name, value := range expected {
		if merged[name] != value {
			t.Errorf("%v: expected %v but got %v", name, value, merged[name])
		}
	}
	if _, found := merged.Get("unregistered"); found {
		t.Errorf("contributions to unregistered aggregators must be ignored")
	}
}

func TestAggregatorIdentity(t *testing.T) {
	registry, _ := NewAggregatorRegistry(MaxAggregator("max"), MinAggregator("min"), SumAggregator("sum"))
	merged := registry.Merge()
	if !math.IsInf(merged["max"], -1) || !math.IsInf(merged["min"], 1) || merged["sum"] != 0 {
		t.Errorf("unexpected identities: %v", merged)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		t.Fatalf("identities should still encode: %v", err)
	}
	if string(encoded) != `{"max":null,"min":null,"sum":0}` {
		t.Errorf("unexpected encoding %s", encoded)
	}
}

func TestAggregatorRegistration(t *testing.T) {
	registry, _ := NewAggregatorRegistry()
	if err := registry.Register(SumAggregator("sum")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register(MaxAggregator("sum")); err == nil {
		t.Errorf("expected an error registering the same name twice")
	}
	if err := registry.Register(Aggregator{Name: "avg", Kind: "avg"}); err == nil {
		t.Errorf("expected an error for an unknown kind")
	}
	if err := registry.Register(Aggregator{Kind: SUM}); err == nil {
		t.Errorf("expected an error for an empty name")
	}
	if list := registry.List(); len(list) != 1 || list[0].Name != "sum" {
		t.Errorf("unexpected registered aggregators: %v", list)
	}
}
