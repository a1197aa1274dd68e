package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/flexrp/service/metrics"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	Store     StoreInterface
	Resolver  RateResolverInterface
	Publisher PublisherInterface // optional
	Metrics   *metrics.Metrics   // optional
	Logger    *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker connects to Temporal and registers the replay workflow and its
// activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Store == nil || config.Resolver == nil {
		return nil, fmt.Errorf("temporal worker requires a store and a rate resolver")
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflowWithOptions(ReplayFailedSettlementsWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	logger.Info("registered workflow", "name", WorkflowName)

	activities := NewActivities(
		config.Store,
		config.Resolver,
		config.Publisher,
		config.Metrics,
		logger,
	)
	w.RegisterActivity(activities.ListFailedSettlements)
	w.RegisterActivity(activities.ReplaySettlement)

	logger.Info("registered activities",
		"activities", []string{"ListFailedSettlements", "ReplaySettlement"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// Run processes workflows and activities until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting temporal worker")

	stop := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	if err := w.worker.Run(stop); err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Close releases the Temporal client connection.
func (w *Worker) Close() {
	w.client.Close()
}
