package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
)

// Client is the production ReplayScheduler backed by Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartReplay starts a single replay run.
func (c *Client) StartReplay(ctx context.Context, batchSize int) (string, error) {
	id := "flexrp-replay-" + uuid.NewString()

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, WorkflowName, ReplayFailedSettlementsInput{BatchSize: batchSize})
	if err != nil {
		c.logger.Error("failed to start replay workflow", "workflow_id", id, "error", err)
		return "", fmt.Errorf("failed to start replay workflow: %w", err)
	}

	c.logger.Info("replay workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"batch_size", batchSize,
	)
	return run.GetID(), nil
}

// WaitReplay blocks until the workflow with id completes and returns its result.
func (c *Client) WaitReplay(ctx context.Context, workflowID string) (*ReplayFailedSettlementsResult, error) {
	var result ReplayFailedSettlementsResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("replay workflow %s failed: %w", workflowID, err)
	}
	return &result, nil
}

func (c *Client) createReplaySchedule(ctx context.Context, interval time.Duration, batchSize int) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ReplayScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "flexrp-replay-scheduled",
			Workflow:  WorkflowName,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{ReplayFailedSettlementsInput{BatchSize: batchSize}},
		},
		Memo: map[string]interface{}{
			"batch_size": batchSize,
			"created_by": "flexrp",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule", "schedule_id", ReplayScheduleID, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", ReplayScheduleID, err)
	}

	c.logger.Info("replay schedule created",
		"schedule_id", ReplayScheduleID,
		"interval", interval,
		"batch_size", batchSize,
	)
	return nil
}

// UpsertReplaySchedule creates the replay schedule, or updates its interval
// and batch size if it already exists.
func (c *Client) UpsertReplaySchedule(ctx context.Context, interval time.Duration, batchSize int) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReplayScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", ReplayScheduleID,
			"error", err,
		)
		return c.createReplaySchedule(ctx, interval, batchSize)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{ReplayFailedSettlementsInput{BatchSize: batchSize}}
			}
			return &client.ScheduleUpdate{Schedule: &input.Description.Schedule}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", ReplayScheduleID, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", ReplayScheduleID, err)
	}

	c.logger.Info("replay schedule updated",
		"schedule_id", ReplayScheduleID,
		"interval", interval,
		"batch_size", batchSize,
	)
	return nil
}

// DeleteReplaySchedule deletes the replay schedule.
func (c *Client) DeleteReplaySchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReplayScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", ReplayScheduleID, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", ReplayScheduleID, err)
	}
	c.logger.Info("replay schedule deleted", "schedule_id", ReplayScheduleID)
	return nil
}

// ReplayScheduleInfo is a summary of the replay schedule.
type ReplayScheduleInfo struct {
	Interval      time.Duration `json:"interval"`
	BatchSize     int           `json:"batch_size"`
	Paused        bool          `json:"paused"`
	Note          string        `json:"note,omitempty"`
	RecentActions int           `json:"recent_actions"`
	LastRun       *time.Time    `json:"last_run,omitempty"`
	NextRun       *time.Time    `json:"next_run,omitempty"`
}

// DescribeReplaySchedule returns the current state of the replay schedule.
func (c *Client) DescribeReplaySchedule(ctx context.Context) (*ReplayScheduleInfo, error) {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReplayScheduleID)
	desc, err := handle.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to describe schedule %q: %w", ReplayScheduleID, err)
	}

	info := &ReplayScheduleInfo{
		Paused:        desc.Schedule.State.Paused,
		Note:          desc.Schedule.State.Note,
		RecentActions: len(desc.Info.RecentActions),
	}
	if desc.Schedule.Spec != nil && len(desc.Schedule.Spec.Intervals) > 0 {
		info.Interval = desc.Schedule.Spec.Intervals[0].Every
	}
	if action, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok && len(action.Args) > 0 {
		info.BatchSize = decodeBatchSize(action.Args[0])
	}
	if n := len(desc.Info.RecentActions); n > 0 {
		last := desc.Info.RecentActions[n-1].ActualTime
		info.LastRun = &last
	}
	if len(desc.Info.NextActionTimes) > 0 {
		next := desc.Info.NextActionTimes[0]
		info.NextRun = &next
	}
	return info, nil
}

// decodeBatchSize reads the batch size from a schedule action argument, which
// Describe returns as a raw payload.
func decodeBatchSize(arg interface{}) int {
	switch v := arg.(type) {
	case ReplayFailedSettlementsInput:
		return v.BatchSize
	case *commonpb.Payload:
		var in ReplayFailedSettlementsInput
		if err := converter.GetDefaultDataConverter().FromPayload(v, &in); err == nil {
			return in.BatchSize
		}
	}
	return 0
}

// PauseReplaySchedule pauses or resumes the replay schedule.
func (c *Client) PauseReplaySchedule(ctx context.Context, pause bool, note string) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReplayScheduleID)

	var err error
	if pause {
		err = handle.Pause(ctx, client.SchedulePauseOptions{Note: note})
	} else {
		err = handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: note})
	}
	if err != nil {
		return fmt.Errorf("failed to update schedule %q: %w", ReplayScheduleID, err)
	}

	c.logger.Info("replay schedule state changed", "schedule_id", ReplayScheduleID, "paused", pause)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
