package pregel

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Coord drives the supersteps of a single job over its partitions
type Coord[S any] struct {
	config          JobConfig
	partitions      []Partition[S]
	byLogicalId     map[uint32]Partition[S]
	aggregators     *AggregatorRegistry
	output          Output[S]
	logger          *log.Logger
	onProgress      func(Progress)
	superStepNumber uint64
	aggregates      Aggregates
	messagesSent    uint64
	totalVertices   uint64
	running         bool
}

func NewCoord[S any](config JobConfig, partitions []Partition[S]) (*Coord[S], error) {
	if err := config.Normalize(); err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("NewCoord: %w: job %v has no partitions", ErrNotEnoughWorker, config.JobId)
	}

	byLogicalId := make(map[uint32]Partition[S], len(partitions))
	for _, p := range partitions {
		if _, found := byLogicalId[p.LogicalId()]; found {
			return nil, fmt.Errorf("NewCoord: two partitions with logical id %d", p.LogicalId())
		}
		byLogicalId[p.LogicalId()] = p
	}
	registry, _ := NewAggregatorRegistry()

	return &Coord[S]{
		config:      config,
		partitions:  partitions,
		byLogicalId: byLogicalId,
		aggregators: registry,
		logger:      log.New(io.Discard, "", 0),
		aggregates:  registry.NewPartials(),
	}, nil
}

// RegisterAggregator adds a named aggregator. It must be called before Run.
func (c *Coord[S]) RegisterAggregator(agg Aggregator) error {
	if c.running {
		return fmt.Errorf("RegisterAggregator: job %v already running", c.config.JobId)
	}
	if err := c.aggregators.Register(agg); err != nil {
		return err
	}
	c.aggregates = c.aggregators.NewPartials()
	return nil
}

func (c *Coord[S]) SetOutput(output Output[S]) {
	c.output = output
}

// SetLogger sets where superstep timings are written
func (c *Coord[S]) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// OnProgress registers a callback invoked after every superstep barrier
func (c *Coord[S]) OnProgress(fn func(Progress)) {
	c.onProgress = fn
}

func (c *Coord[S]) Superstep() uint64 {
	return c.superStepNumber
}

// Run executes supersteps until every vertex has halted or the superstep cap
// is reached. ctx is only checked between supersteps.
func (c *Coord[S]) Run(ctx context.Context) (JobResult, error) {
	c.running = true
	result := JobResult{JobId: c.config.JobId}

	for {
		select {
		case <-ctx.Done():
			err := fmt.Errorf(
				"Run: job %v aborted before superstep %d: %w",
				c.config.JobId, c.superStepNumber, ctx.Err(),
			)
			result.Error = err.Error()
			return result, err
		default:
		}

		start := time.Now()
		done, err := c.advance()
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		c.logger.Printf(
			"Compute superstep %v took %v s\n",
			c.superStepNumber, time.Since(start).Seconds(),
		)
		if done {
			break
		}
		c.superStepNumber++
	}

	if err := c.writeFinal(); err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Supersteps = c.superStepNumber
	result.TotalVertices = c.totalVertices
	result.MessagesSent = c.messagesSent
	result.Aggregates = c.aggregates
	log.Printf(
		"Run: job %v complete at superstep %d, %d messages sent\n",
		c.config.JobId, c.superStepNumber, c.messagesSent,
	)
	return result, nil
}

// advance runs the current superstep on every partition and waits for all of
// them (the barrier), merges aggregates, routes messages into the next
// inboxes and decides whether the job is done.
func (c *Coord[S]) advance() (bool, error) {
	ssn := c.superStepNumber
	start := time.Now()
	args := ProgressSuperStep{
		SuperStepNum: ssn,
		Aggregates:   c.aggregates,
		Aggregators:  c.aggregators.List(),
	}

	results := make([]ProgressSuperStepResult, len(c.partitions))
	var barrier errgroup.Group
	for i, p := range c.partitions {
		i, p := i, p
		barrier.Go(
			func() error {
				res, err := p.ComputeVertices(args)
				if err != nil {
					return fmt.Errorf(
						"%w: worker %d at superstep %d: %w",
						ErrWorkerFailed, p.LogicalId(), ssn, err,
					)
				}
				results[i] = res
				return nil
			},
		)
	}
	if err := barrier.Wait(); err != nil {
		return false, err
	}

	partials := make([]Aggregates, 0, len(results))
	batches := make(map[uint32][]Message)
	var halted, total, sent uint64
	for _, res := range results {
		partials = append(partials, res.Partials)
		halted += res.Halted
		total += res.NumVertices
		sent += res.MessagesSent
		for dest, messages := range res.Outgoing {
			batches[dest] = append(batches[dest], messages...)
		}
	}

	if err := c.deliver(ssn, batches); err != nil {
		return false, err
	}

	// only the next superstep sees the merged values
	c.aggregates = c.aggregators.Merge(partials...)
	c.messagesSent += sent
	c.totalVertices = total

	allHalted := halted == total && (c.config.HaltPolicy == PERMANENT || sent == 0)
	done := allHalted || ssn >= c.config.MaxSupersteps

	if c.config.OutputEvery > 0 && ssn%c.config.OutputEvery == 0 && c.output != nil {
		vertices, err := c.collect()
		if err != nil {
			return false, err
		}
		if err := c.output.WriteSuperstep(ssn, vertices); err != nil {
			return false, fmt.Errorf("advance: output of superstep %d: %w", ssn, err)
		}
	}

	if c.onProgress != nil {
		c.onProgress(
			Progress{
				JobId:        c.config.JobId,
				SuperStepNum: ssn,
				Active:       total - halted,
				Halted:       halted,
				MessagesSent: sent,
				Aggregates:   c.aggregates,
				Duration:     time.Since(start),
				Done:         done,
			},
		)
	}
	return done, nil
}

func (c *Coord[S]) deliver(ssn uint64, batches map[uint32][]Message) error {
	var delivery errgroup.Group
	for dest, messages := range batches {
		p, found := c.byLogicalId[dest]
		if !found {
			return fmt.Errorf(
				"deliver: %d messages addressed to unknown worker %d",
				len(messages), dest,
			)
		}
		batch := MessageBatch{SuperStepNum: ssn, Messages: messages}
		delivery.Go(
			func() error {
				if _, err := p.DeliverMessages(batch); err != nil {
					return fmt.Errorf(
						"%w: delivering to worker %d at superstep %d: %w",
						ErrWorkerFailed, p.LogicalId(), ssn, err,
					)
				}
				return nil
			},
		)
	}
	return delivery.Wait()
}

// collect gathers every vertex from every partition, sorted by id
func (c *Coord[S]) collect() ([]Vertex[S], error) {
	var vertices []Vertex[S]
	for _, p := range c.partitions {
		owned, err := p.Vertices()
		if err != nil {
			return nil, fmt.Errorf("%w: collecting worker %d: %w", ErrWorkerFailed, p.LogicalId(), err)
		}
		vertices = append(vertices, owned...)
	}
	sort.Slice(
		vertices, func(i, j int) bool {
			return vertices[i].Id < vertices[j].Id
		},
	)
	return vertices, nil
}

func (c *Coord[S]) writeFinal() error {
	if c.output == nil {
		return nil
	}
	vertices, err := c.collect()
	if err != nil {
		return err
	}
	if err := c.output.WriteFinal(c.superStepNumber, vertices); err != nil {
		return fmt.Errorf("writeFinal: %w", err)
	}
	return nil
}

// Close releases every partition and the output
func (c *Coord[S]) Close() error {
	var firstErr error
	for _, p := range c.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.output != nil {
		if err := c.output.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
