// Package scrape consumes scrape jobs from Kafka and runs them.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/queue"
	scrapesvc "github.com/acme/lead-call-orchestrator/internal/service/scrape"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Runner executes scrape jobs.
type Runner interface {
	Run(ctx context.Context, job queue.ScrapeJob) (scrapesvc.Result, error)
}

// Worker consumes scrape jobs.
type Worker struct {
	reader Reader
	runner Runner
	logger *zap.Logger
}

// New creates a new scrape worker instance.
func New(reader Reader, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{reader: reader, runner: runner, logger: logger.Named("scrape-worker")}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, m); err != nil {
			w.logger.Error("process", zap.Error(err))
		}
	}
}

// processMessage runs one job. Jobs are committed even when the run fails;
// an operator retriggers scrapes rather than the queue replaying them.
func (w *Worker) processMessage(ctx context.Context, m kafka.Message) error {
	var job queue.ScrapeJob
	if err := json.Unmarshal(m.Value, &job); err != nil {
		_ = w.reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal scrape job: %w", err)
	}

	sctx, span := otel.Tracer("leadcall.scrapeworker").Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.String("job.id", job.JobID.String()),
		attribute.Int("limit", job.Limit),
	))
	defer span.End()

	res, runErr := w.runner.Run(sctx, job)
	if runErr != nil {
		span.RecordError(runErr)
		logger.ForContext(sctx, w.logger).Error("scrape job failed", zap.String("job_id", job.JobID.String()), zap.Error(runErr))
	} else {
		span.SetAttributes(attribute.Int("leads.inserted", res.Inserted))
	}

	if err := w.reader.CommitMessages(sctx, m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}
