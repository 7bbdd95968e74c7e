package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerline/ledgerline/internal/costing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeBackfill is the task type for the coverage scan and repair run.
	TaskTypeBackfill = "costing:backfill"
)

// BackfillPayload bounds one coverage scan. A zero range means the handler
// scans its configured lookback window ending at execution time, which is how
// the cron registration stays valid across runs.
type BackfillPayload struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	ActorID int64     `json:"actor_id"`
}

// NewBackfillTask constructs an Asynq task.
func NewBackfillTask(payload BackfillPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBackfill, data, asynq.Queue(QueueDefault)), nil
}

// NewBackfillHandler returns the Asynq handler for TaskTypeBackfill. Each run
// is idempotent, so retries after partial failure are safe.
func NewBackfillHandler(logger *slog.Logger, service *costing.Service, lookback time.Duration) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload BackfillPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.From.IsZero() && payload.To.IsZero() {
			payload.To = time.Now().UTC()
			payload.From = payload.To.Add(-lookback)
		}
		report, err := service.RunBackfill(ctx, payload.From, payload.To, payload.ActorID)
		if err != nil {
			logger.Error("backfill run failed",
				slog.Time("from", payload.From),
				slog.Time("to", payload.To),
				slog.Any("error", err))
			return err
		}
		logger.Info("backfill run finished",
			slog.Time("from", payload.From),
			slog.Time("to", payload.To),
			slog.Int("processed", report.Processed),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed),
			slog.Int("warnings", len(report.Warnings)))
		return nil
	}
}
