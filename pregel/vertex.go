package pregel

import (
	"fmt"
	"sort"
)

// Edge is a directed link to another vertex. Edges are immutable after the
// graph is loaded; parallel edges to the same target are kept.
type Edge struct {
	Target uint64
	Weight float32
}

// Vertex stores the state of a single unit together with its outgoing edges
type Vertex[S any] struct {
	Id     uint64
	State  S
	Edges  []Edge
	Halted bool
}

// VertexStore holds the vertices owned by one worker, iterated in id order
type VertexStore[S any] struct {
	vertices map[uint64]*Vertex[S]
	ids      []uint64
}

func NewVertexStore[S any](vertices []Vertex[S]) (*VertexStore[S], error) {
	store := &VertexStore[S]{
		vertices: make(map[uint64]*Vertex[S], len(vertices)),
		ids:      make([]uint64, 0, len(vertices)),
	}
	for i := range vertices {
		v := vertices[i]
		if _, found := store.vertices[v.Id]; found {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateVertex, v.Id)
		}
		store.vertices[v.Id] = &v
		store.ids = append(store.ids, v.Id)
	}
	sort.Slice(
		store.ids, func(i, j int) bool {
			return store.ids[i] < store.ids[j]
		},
	)
	return store, nil
}

func (s *VertexStore[S]) Get(vertexId uint64) (*Vertex[S], bool) {
	v, found := s.vertices[vertexId]
	return v, found
}

// Ids returns the owned vertex ids in ascending order. The slice must not be
// modified.
func (s *VertexStore[S]) Ids() []uint64 {
	return s.ids
}

func (s *VertexStore[S]) Len() int {
	return len(s.ids)
}

func (s *VertexStore[S]) HaltedCount() int {
	halted := 0
	for _, v := range s.vertices {
		if v.Halted {
			halted++
		}
	}
	return halted
}

// Snapshot copies every vertex. Edge slices are shared since they never change.
func (s *VertexStore[S]) Snapshot() []Vertex[S] {
	snapshot := make([]Vertex[S], 0, len(s.ids))
	for _, id := range s.ids {
		snapshot = append(snapshot, *s.vertices[id])
	}
	return snapshot
}
