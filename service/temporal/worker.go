package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/brojonat/bankroll/service/metrics"
	natspkg "github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/transfer"
)

type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Concurrency caps both activity and workflow task slots. Zero means 10.
	Concurrency int

	Fetcher   transfer.StatusFetcher
	Publisher natspkg.Publisher // nil disables outcome events
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Worker hosts TransferConfirmationWorkflow on one task queue.
type Worker struct {
	client client.Client
	worker worker.Worker
	queue  string
	logger *slog.Logger
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	logger := cfg.Logger.With("component", "temporal_worker", "task_queue", cfg.TaskQueue)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", cfg.TemporalHost, err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.Concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.Concurrency,
	})
	Register(w, NewActivities(cfg.Fetcher, cfg.Publisher, cfg.Metrics, logger))

	return &Worker{client: c, worker: w, queue: cfg.TaskQueue, logger: logger}, nil
}

// Register binds the confirmation workflow and its activities. Activity names
// are the method names the workflow executes.
func Register(r worker.Registry, activities *Activities) {
	r.RegisterWorkflow(TransferConfirmationWorkflow)
	r.RegisterActivity(activities.GetTransferStatus)
	r.RegisterActivity(activities.PublishTransferOutcome)
}

// Run polls the task queue until ctx is done, then stops the worker and
// closes its client.
func (w *Worker) Run(ctx context.Context) error {
	defer w.client.Close()

	if err := w.worker.Start(); err != nil {
		return fmt.Errorf("start worker on %s: %w", w.queue, err)
	}
	w.logger.Info("temporal worker polling")

	<-ctx.Done()
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	return nil
}
