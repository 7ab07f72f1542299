package pregel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type GraphClient struct {
	clientId    string
	conn        *grpc.ClientConn
	coordClient *CoordAPIClient
	notifyCh    chan JobResult
}

func NewClient() *GraphClient {
	return &GraphClient{}
}

// Start connects to the coord's client API. Results of jobs sent with
// SendJob arrive on the returned channel.
func (c *GraphClient) Start(clientId string, coordAddr string) (chan JobResult, error) {
	c.clientId = clientId

	conn, err := grpc.Dial(
		coordAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("Start: client %v could not dial coord %v: %w", clientId, coordAddr, err)
	}
	c.conn = conn
	c.coordClient = NewCoordAPIClient(conn)
	c.notifyCh = make(chan JobResult, 1)
	return c.notifyCh, nil
}

// SendJob queues job and returns immediately. The result is delivered on the
// channel returned by Start.
func (c *GraphClient) SendJob(job JobConfig) error {
	if c.coordClient == nil {
		return errors.New("SendJob: client is not started")
	}
	if job.HaltPolicy != "" && job.HaltPolicy != REACTIVATE && job.HaltPolicy != PERMANENT {
		return fmt.Errorf("SendJob: unknown halt policy %q", job.HaltPolicy)
	}

	log.Printf("SendJob: job %v is queued up to be sent.\n", job.JobId)
	go func() {
		result, err := c.RunJob(context.Background(), job)
		if err != nil {
			result.JobId = job.JobId
			result.Error = err.Error()
		}
		c.notifyCh <- result
	}()
	return nil
}

// RunJob submits job and blocks until it completes
func (c *GraphClient) RunJob(ctx context.Context, job JobConfig) (JobResult, error) {
	result, err := c.coordClient.StartJob(ctx, &job)
	if err != nil {
		log.Printf("RunJob: error calling StartJob: %v\n", err)
		return JobResult{}, err
	}
	if result.Error != "" {
		log.Printf("RunJob: received error: %v\n", result.Error)
	}
	return *result, nil
}

// WatchProgress calls fn for every superstep of jobId until the job is done
func (c *GraphClient) WatchProgress(ctx context.Context, jobId string, fn func(Progress)) error {
	stream, err := c.coordClient.JobProgress(ctx, &ProgressRequest{JobId: jobId})
	if err != nil {
		return err
	}
	for {
		p, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(*p)
	}
}

func (c *GraphClient) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
}
