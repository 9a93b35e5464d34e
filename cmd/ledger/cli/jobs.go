package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ansledger/jobs"
)

// QueueCLI wraps manual management helpers for the ingest queue.
type QueueCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewQueueCLI initialises the queue helpers using the provided Redis address.
func NewQueueCLI(redisAddr string) (*QueueCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &QueueCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *QueueCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Enqueue submits an ingest run.
func (c *QueueCLI) Enqueue(ctx context.Context, limit int) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("queue cli: client not configured")
	}
	return c.client.EnqueueIngest(ctx, jobs.IngestPayload{Limit: limit})
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Failed    int    `json:"failed"`
}

// InspectQueue reports the metrics of the default queue.
func (c *QueueCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("queue cli: inspector not configured")
	}
	return inspect(c.inspector)
}

func inspect(inspector jobs.QueueInspector) (QueueStats, error) {
	info, err := inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Failed = info.Failed
	}
	return stats, nil
}

// QueueReader reads the queue state.
type QueueReader interface {
	InspectQueue() (QueueStats, error)
}

// Enqueuer submits ingest runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, limit int) (*asynq.TaskInfo, error)
}

// QueueOptions configures the queue and enqueue commands.
type QueueOptions struct {
	Limit      int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// EnqueueCommand queues an ingest for the worker. A run already pending
// exits 10.
func EnqueueCommand(ctx context.Context, q Enqueuer, opts QueueOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	info, err := q.Enqueue(ctx, opts.Limit)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		fmt.Fprintln(opts.Stderr, "enqueue: an ingest is already queued")
		return ExitFindings
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "enqueue: %v\n", err)
		return ExitError
	}
	fmt.Fprintf(opts.Stdout, "enqueued %s on %s\n", info.ID, info.Queue)
	return ExitOK
}

// QueueCommand prints the default queue state.
func QueueCommand(q QueueReader, opts QueueOptions) int {
	opts.Stdout, opts.Stderr = writers(opts.Stdout, opts.Stderr)
	stats, err := q.InspectQueue()
	if err != nil {
		fmt.Fprintf(opts.Stderr, "queue: %v\n", err)
		return ExitError
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(stats); err != nil {
			fmt.Fprintf(opts.Stderr, "queue: %v\n", err)
			return ExitError
		}
		return ExitOK
	}
	fmt.Fprintf(opts.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d failed=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Failed)
	return ExitOK
}
