package pregel

import "sync"

// Output consumes vertex states, every OutputEvery supersteps and once at
// the end of the job
type Output[S any] interface {
	WriteSuperstep(superstep uint64, vertices []Vertex[S]) error
	WriteFinal(superstep uint64, vertices []Vertex[S]) error
	Close() error
}

// MemoryOutput keeps everything it is given. Useful for tests and for
// small jobs run from the coord itself.
type MemoryOutput[S any] struct {
	mx         sync.Mutex
	Supersteps map[uint64][]Vertex[S]
	Final      []Vertex[S]
	FinalStep  uint64
	Closed     bool
}

func NewMemoryOutput[S any]() *MemoryOutput[S] {
	return &MemoryOutput[S]{Supersteps: make(map[uint64][]Vertex[S])}
}

func (o *MemoryOutput[S]) WriteSuperstep(superstep uint64, vertices []Vertex[S]) error {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.Supersteps[superstep] = vertices
	return nil
}

func (o *MemoryOutput[S]) WriteFinal(superstep uint64, vertices []Vertex[S]) error {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.Final = vertices
	o.FinalStep = superstep
	return nil
}

func (o *MemoryOutput[S]) Close() error {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.Closed = true
	return nil
}
