package database

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"neurograph/neuron"
	"neurograph/pregel"
)

// TextLoader reads one neuron per line:
//
//	id type channel a b c d [potential recovery] target:weight ...
//
// Fields are separated by spaces or tabs. Blank lines and everything after
// a '#' are ignored.
type TextLoader struct {
	Path string
}

func (l TextLoader) Load(ctx context.Context) (Graph, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseText(file)
}

// ParseText reads a graph in the text format from r
func ParseText(r io.Reader) (Graph, error) {
	var graph Graph
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		v, err := parseLine(fields)
		if err != nil {
			return nil, fmt.Errorf("ParseText: line %d: %w", lineNum, err)
		}
		graph = append(graph, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ParseText: %w", err)
	}
	graph.sortById()
	return graph, nil
}

func parseLine(fields []string) (Vertex, error) {
	if len(fields) < 7 {
		return Vertex{}, fmt.Errorf("want at least 7 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Vertex{}, fmt.Errorf("bad id %q: %w", fields[0], err)
	}
	// an unrecognized type is kept: the kernel warns and gives it no stimulus
	t, _ := neuron.ParseType(fields[1])
	channel, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return Vertex{}, fmt.Errorf("bad channel %q: %w", fields[2], err)
	}
	var params [4]float32
	for i := range params {
		if params[i], err = parseFloat32(fields[3+i]); err != nil {
			return Vertex{}, err
		}
	}
	state := neuron.NewState(t, int32(channel), params[0], params[1], params[2], params[3])

	rest := fields[7:]
	if len(rest) >= 2 && !strings.Contains(rest[0], ":") {
		if state.Potential, err = parseFloat32(rest[0]); err != nil {
			return Vertex{}, err
		}
		if state.Recovery, err = parseFloat32(rest[1]); err != nil {
			return Vertex{}, err
		}
		rest = rest[2:]
	}

	edges := make([]pregel.Edge, 0, len(rest))
	for _, field := range rest {
		target, weight, found := strings.Cut(field, ":")
		if !found {
			return Vertex{}, fmt.Errorf("bad edge %q: want target:weight", field)
		}
		targetId, err := strconv.ParseUint(target, 10, 64)
		if err != nil {
			return Vertex{}, fmt.Errorf("bad edge target %q: %w", target, err)
		}
		w, err := parseFloat32(weight)
		if err != nil {
			return Vertex{}, err
		}
		edges = append(edges, pregel.Edge{Target: targetId, Weight: w})
	}
	return Vertex{Id: id, State: state, Edges: edges}, nil
}

func parseFloat32(field string) (float32, error) {
	value, err := strconv.ParseFloat(field, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", field, err)
	}
	return float32(value), nil
}

// WriteText writes graph in the format ParseText reads, including the current
// potential and recovery of every neuron
func WriteText(w io.Writer, graph Graph) error {
	out := bufio.NewWriter(w)
	for _, v := range graph {
		s := v.State
		fmt.Fprintf(
			out, "%d\t%v\t%d\t%v\t%v\t%v\t%v\t%v\t%v",
			v.Id, s.Type, s.Channel, s.A, s.B, s.C, s.D, s.Potential, s.Recovery,
		)
		for _, e := range v.Edges {
			fmt.Fprintf(out, "\t%d:%v", e.Target, e.Weight)
		}
		if _, err := out.WriteString("\n"); err != nil {
			return err
		}
	}
	return out.Flush()
}
