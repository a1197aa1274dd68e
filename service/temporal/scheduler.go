package temporal

import (
	"context"
	"time"
)

// ReplayScheduler starts and schedules replay runs. The HTTP server and the
// CLI depend on this rather than on the Temporal client directly.
type ReplayScheduler interface {
	// StartReplay starts one ReplayFailedSettlementsWorkflow run and
	// returns its workflow ID.
	StartReplay(ctx context.Context, batchSize int) (string, error)

	// UpsertReplaySchedule creates the recurring replay schedule or updates
	// its interval if it already exists.
	UpsertReplaySchedule(ctx context.Context, interval time.Duration, batchSize int) error

	// DeleteReplaySchedule removes the recurring replay schedule.
	DeleteReplaySchedule(ctx context.Context) error
}

// ReplayScheduleID is the Temporal schedule ID for the recurring replay.
const ReplayScheduleID = "flexrp-replay-failed-settlements"

// WorkflowName is the registered name of the replay workflow.
const WorkflowName = "ReplayFailedSettlementsWorkflow"
