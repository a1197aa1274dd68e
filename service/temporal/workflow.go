package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ReplayFailedSettlementsInput contains the input for a replay run.
type ReplayFailedSettlementsInput struct {
	BatchSize int `json:"batch_size"`
}

// ReplayFailedSettlementsResult summarizes a replay run.
type ReplayFailedSettlementsResult struct {
	Listed    int       `json:"listed"`
	Converted int       `json:"converted"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ReplayFailedSettlementsWorkflow retries conversion for settlements stored
// as failed. It runs on demand or from a Temporal schedule.
//
// The workflow performs these steps:
// 1. List up to BatchSize failed settlements (ListFailedSettlements activity)
// 2. Replay each one concurrently (ReplaySettlement activity)
// 3. Return a summary; a settlement that still fails does not fail the run
func ReplayFailedSettlementsWorkflow(ctx workflow.Context, input ReplayFailedSettlementsInput) (*ReplayFailedSettlementsResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReplayFailedSettlementsWorkflow started", "batch_size", input.BatchSize)

	result := &ReplayFailedSettlementsResult{StartedAt: workflow.Now(ctx)}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{"NotFound"},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var listed *ListFailedSettlementsResult
	err := workflow.ExecuteActivity(ctx, a.ListFailedSettlements, ListFailedSettlementsInput{Limit: input.BatchSize}).Get(ctx, &listed)
	if err != nil {
		return result, fmt.Errorf("failed to list failed settlements: %w", err)
	}
	result.Listed = len(listed.Hashes)
	if result.Listed == 0 {
		logger.Info("no failed settlements to replay")
		return result, nil
	}

	futures := make([]workflow.Future, len(listed.Hashes))
	for i, hash := range listed.Hashes {
		futures[i] = workflow.ExecuteActivity(ctx, a.ReplaySettlement, ReplaySettlementInput{TransactionHash: hash})
	}

	for i, f := range futures {
		var replayed *ReplaySettlementResult
		if err := f.Get(ctx, &replayed); err != nil {
			logger.Warn("replay failed", "hash", listed.Hashes[i], "error", err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", listed.Hashes[i], err))
			continue
		}
		switch replayed.Status {
		case replayConverted:
			result.Converted++
		default:
			result.Skipped++
		}
	}

	logger.Info("ReplayFailedSettlementsWorkflow finished",
		"listed", result.Listed,
		"converted", result.Converted,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
