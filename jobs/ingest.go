package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ansledger/internal/ingest"
	jobmetrics "github.com/odyssey-erp/ansledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IngestRunner executes the pipeline.
type IngestRunner interface {
	Run(ctx context.Context, opts ingest.RunOptions) (*ingest.Result, error)
}

// RunStore persists a finished run.
type RunStore interface {
	SaveRun(ctx context.Context, res *ingest.Result) error
}

// CacheInvalidator drops cached API responses after new data lands.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// IngestJob coordinates one scheduled or enqueued ingest.
type IngestJob struct {
	Service   IngestRunner
	Store     RunStore
	Cache     CacheInvalidator
	OutputDir string
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewIngestJob constructs the job handler. Store, cache and output dir are optional.
func NewIngestJob(service IngestRunner, store RunStore, cache CacheInvalidator, outputDir string, logger *slog.Logger, metrics *jobmetrics.Metrics) *IngestJob {
	return &IngestJob{
		Service:   service,
		Store:     store,
		Cache:     cache,
		OutputDir: outputDir,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the ingest task.
func (j *IngestJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger ingest: dependencies not configured")
	}
	var payload IngestPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskLedgerIngest)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	res, err := j.Service.Run(ctx, ingest.RunOptions{Limit: payload.Limit})
	if err != nil {
		resultErr = err
		j.log().Error("ingest run", slog.Any("error", err))
		return resultErr
	}
	log := j.log().With(slog.String("run_id", res.Report.RunID.String()))

	if j.OutputDir != "" {
		outputs, err := ingest.WriteOutputs(j.OutputDir, res)
		if err != nil {
			resultErr = err
			log.Error("write outputs", slog.String("dir", j.OutputDir), slog.Any("error", err))
			return resultErr
		}
		log.Info("wrote outputs", slog.String("ledger", outputs.Ledger), slog.String("summary", outputs.Summary))
	}
	if j.Store != nil {
		if err := j.Store.SaveRun(ctx, res); err != nil {
			resultErr = err
			log.Error("persist run", slog.Any("error", err))
			return resultErr
		}
	}
	if j.Cache != nil {
		if err := j.Cache.Bump(ctx); err != nil {
			log.Warn("bump api cache", slog.Any("error", err))
		}
	}

	log.Info("ledger ingest finished",
		slog.Int("records", res.Report.Records),
		slog.Int("entities", res.Report.Entities),
		slog.Int("failures", len(res.Report.Failures)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *IngestJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IngestJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIngest))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIngest))
}

func (j *IngestJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *IngestJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
