package database

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"neurograph/neuron"
	"neurograph/pregel"
)

// Population describes a network by id ranges instead of listing every
// neuron. Every range is repeated once per channel; channel k (from 1) holds
// ids shifted by (k-1)*Total.
type Population struct {
	Seed        int64        `yaml:"seed" json:"seed"`
	Total       uint64       `yaml:"total" json:"total"`
	Channels    int32        `yaml:"channels" json:"channels"`
	Ranges      []Range      `yaml:"ranges" json:"ranges"`
	Connections []Connection `yaml:"connections" json:"connections"`
}

// Range is a block of neurons of one type, ids Start through End inclusive
type Range struct {
	Type  string  `yaml:"type" json:"type"`
	Start uint64  `yaml:"start" json:"start"`
	End   uint64  `yaml:"end" json:"end"`
	A     float32 `yaml:"a" json:"a"`
	B     float32 `yaml:"b" json:"b"`
	C     float32 `yaml:"c" json:"c"`
	D     float32 `yaml:"d" json:"d"`
}

// Connection links every neuron of type From to every neuron of type To with
// the given probability. Connections stay within a channel unless
// CrossChannel is set.
type Connection struct {
	From         string  `yaml:"from" json:"from"`
	To           string  `yaml:"to" json:"to"`
	Probability  float64 `yaml:"probability" json:"probability"`
	Weight       float32 `yaml:"weight" json:"weight"`
	CrossChannel bool    `yaml:"crossChannel" json:"crossChannel"`
}

// PopulationLoader reads a Population from a YAML or JSON file and expands it
type PopulationLoader struct {
	Path string
}

func (l PopulationLoader) Load(ctx context.Context) (Graph, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var population Population
	if strings.EqualFold(filepath.Ext(l.Path), ".json") {
		err = json.NewDecoder(file).Decode(&population)
	} else {
		err = decodeYAML(file, &population)
	}
	if err != nil {
		return nil, fmt.Errorf("PopulationLoader: %w", err)
	}
	return population.Expand()
}

func decodeYAML(r io.Reader, out interface{}) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	return decoder.Decode(out)
}

type member struct {
	id      uint64
	channel int32
}

// Expand builds the graph. The same population and seed always give the
// same graph.
func (p Population) Expand() (Graph, error) {
	channels := p.Channels
	if channels <= 0 {
		channels = 1
	}
	total := p.Total
	for _, r := range p.Ranges {
		if r.End < r.Start {
			return nil, fmt.Errorf("Expand: range %v ends before it starts", r.Type)
		}
		if r.End == math.MaxUint64 {
			return nil, fmt.Errorf("Expand: range %v ends past the largest neuron id", r.Type)
		}
		if r.End+1 > total {
			total = r.End + 1
		}
	}
	// channel k starts at (k-1)*total
	if total > math.MaxUint64/uint64(channels) {
		return nil, fmt.Errorf("Expand: %d channels of %d neurons overflow the neuron ids", channels, total)
	}

	byType := make(map[neuron.Type][]member)
	var graph Graph
	for channel := int32(1); channel <= channels; channel++ {
		offset := uint64(channel-1) * total
		for _, r := range p.Ranges {
			t, ok := neuron.ParseType(r.Type)
			if !ok {
				return nil, fmt.Errorf("Expand: unknown neuron type %q", r.Type)
			}
			for id := r.Start; id <= r.End; id++ {
				graph = append(
					graph, Vertex{
						Id:    offset + id,
						State: neuron.NewState(t, channel, r.A, r.B, r.C, r.D),
					},
				)
				byType[t] = append(byType[t], member{id: offset + id, channel: channel})
			}
		}
	}
	graph.sortById()

	index := make(map[uint64]int, len(graph))
	for i, v := range graph {
		index[v.Id] = i
	}
	rng := rand.New(rand.NewSource(p.Seed))
	for _, c := range p.Connections {
		from, ok := neuron.ParseType(c.From)
		if !ok {
			return nil, fmt.Errorf("Expand: unknown neuron type %q", c.From)
		}
		to, ok := neuron.ParseType(c.To)
		if !ok {
			return nil, fmt.Errorf("Expand: unknown neuron type %q", c.To)
		}
		for _, src := range byType[from] {
			v := &graph[index[src.id]]
			for _, dst := range byType[to] {
				if src.id == dst.id || (!c.CrossChannel && src.channel != dst.channel) {
					continue
				}
				if rng.Float64() < c.Probability {
					v.Edges = append(v.Edges, pregel.Edge{Target: dst.id, Weight: c.Weight})
				}
			}
		}
	}
	return graph, nil
}
