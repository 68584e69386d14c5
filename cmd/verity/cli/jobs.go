package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/verity/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
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

// Trigger enqueues a projection task by name for orgID, or for every
// organization when orgID is empty.
func (c *JobsCLI) Trigger(ctx context.Context, name, orgID string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := newTask(name, orgID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

func newTask(name, orgID string) (*asynq.Task, error) {
	switch name {
	case jobs.TaskProjectionReplay:
		return jobs.NewProjectionReplayTask(orgID)
	case jobs.TaskProjectionRebuild:
		return jobs.NewProjectionRebuildTask(orgID)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueues reports counters for every projection queue. Queues that
// never received a task report zeros.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	known, err := c.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("jobs cli: list queues: %w", err)
	}
	out := make([]QueueStats, 0, len(jobs.Queues))
	for _, queue := range jobs.Queues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: queue}
		if slices.Contains(known, queue) {
			info, err := c.inspector.GetQueueInfo(queue)
			if err != nil {
				return nil, fmt.Errorf("jobs cli: queue %s: %w", queue, err)
			}
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
			stats.Archived = info.Archived
		}
		out = append(out, stats)
	}
	return out, nil
}
