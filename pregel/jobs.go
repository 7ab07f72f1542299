package pregel

import (
	"context"
	"sync"
)

// JobStatus is the progress history of a job and its result once done
type JobStatus struct {
	JobId    string
	Progress []Progress
	Done     bool
	Result   JobResult
}

// jobRecord collects the progress of one job for its watchers. Watchers
// may subscribe before the job starts.
type jobRecord struct {
	mx      sync.Mutex
	jobId   string
	history []Progress
	update  chan struct{}
	started bool
	done    bool
	result  JobResult
}

func newJobRecord(jobId string) *jobRecord {
	return &jobRecord{jobId: jobId, update: make(chan struct{})}
}

// claim marks the record as taken by a run. It fails if a run already
// took it.
func (r *jobRecord) claim() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.started || r.done {
		return false
	}
	r.started = true
	return true
}

// wake must be called with mx held
func (r *jobRecord) wake() {
	close(r.update)
	r.update = make(chan struct{})
}

func (r *jobRecord) publish(p Progress) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.history = append(r.history, p)
	r.wake()
}

func (r *jobRecord) finish(result JobResult) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.done = true
	r.result = result
	r.wake()
}

func (r *jobRecord) status() JobStatus {
	r.mx.Lock()
	defer r.mx.Unlock()
	return JobStatus{
		JobId:    r.jobId,
		Progress: append([]Progress(nil), r.history...),
		Done:     r.done,
		Result:   r.result,
	}
}

// watch sends every update in order until the job is done or ctx ends
func (r *jobRecord) watch(ctx context.Context, send func(Progress) error) error {
	sent := 0
	for {
		r.mx.Lock()
		pending := append([]Progress(nil), r.history[sent:]...)
		done := r.done
		update := r.update
		r.mx.Unlock()

		for _, p := range pending {
			if err := send(p); err != nil {
				return err
			}
			sent++
		}
		if done {
			return nil
		}

		select {
		case <-update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
