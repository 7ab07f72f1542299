package pregel

import (
	"fmt"
	"sync"
)

// Message is a payload sent along an edge during superstep SuperStepNum. It is
// only readable by its destination during superstep SuperStepNum+1.
type Message struct {
	SuperStepNum   uint64
	SourceVertexId uint64
	DestVertexId   uint64
	Value          float32
}

// Router buffers the messages of one partition. The active inbox is read
// during the current superstep while sends land in the build buffer for the
// next one; Advance swaps them at the barrier.
type Router struct {
	mx        sync.Mutex
	superstep uint64
	active    map[uint64][]float32
	next      map[uint64][]float32
}

func NewRouter() *Router {
	return &Router{
		active: make(map[uint64][]float32),
		next:   make(map[uint64][]float32),
	}
}

// Send appends payload to the next-superstep inbox of targetId. The sender
// superstep must be the one currently active on this router.
func (r *Router) Send(senderSuperstep uint64, targetId uint64, payload float32) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if senderSuperstep != r.superstep {
		return fmt.Errorf(
			"%w: sent during superstep %d, router at superstep %d",
			ErrStaleMessage, senderSuperstep, r.superstep,
		)
	}
	r.next[targetId] = append(r.next[targetId], payload)
	return nil
}

// DrainInbox returns every payload delivered to vertexId for superstep and
// removes them, so each message is handed out exactly once.
func (r *Router) DrainInbox(vertexId uint64, superstep uint64) ([]float32, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if superstep != r.superstep {
		return nil, fmt.Errorf(
			"%w: requested superstep %d, router at superstep %d",
			ErrInboxNotReady, superstep, r.superstep,
		)
	}
	payloads := r.active[vertexId]
	delete(r.active, vertexId)
	return payloads, nil
}

// HasMessages reports whether vertexId has undrained messages this superstep
func (r *Router) HasMessages(vertexId uint64) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.active[vertexId]) > 0
}

// Advance makes the messages built during the previous superstep readable.
// Messages left undrained in the old inbox are dropped.
func (r *Router) Advance(superstep uint64) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if superstep != r.superstep+1 {
		return fmt.Errorf(
			"Advance: cannot move router from superstep %d to %d",
			r.superstep, superstep,
		)
	}
	r.active = r.next
	r.next = make(map[uint64][]float32)
	r.superstep = superstep
	return nil
}

func (r *Router) Superstep() uint64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.superstep
}
