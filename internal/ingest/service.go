// Package ingest runs the discovery, normalization, reconciliation and rollup
// pipeline end to end.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/ansledger/internal/jobs"
	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/reconcile"
	"github.com/odyssey-erp/ansledger/internal/ledger/rollup"
	"github.com/odyssey-erp/ansledger/internal/registry"
	"github.com/odyssey-erp/ansledger/internal/source"
)

// Failure stages reported in a run.
const (
	StageDiscovery = "discovery"
	StageFetch     = "fetch"
	StageSchema    = "schema"
	StageRegistry  = "registry"
)

// Config tunes one pipeline instance.
type Config struct {
	SourceURL   string
	Limit       int
	Workers     int
	DefaultYear int
}

// Failure attributes a non-fatal error to the unit it came from.
type Failure struct {
	Stage   string `json:"stage"`
	Locator string `json:"locator"`
	Message string `json:"message"`
}

// Report summarises one run.
type Report struct {
	RunID      uuid.UUID       `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Bundles    []string        `json:"bundles"`
	Archives   int             `json:"archives"`
	Files      int             `json:"files"`
	Records    int             `json:"records"`
	Entities   int             `json:"entities"`
	Unkeyed    int             `json:"unkeyed"`
	Reconcile  reconcile.Stats `json:"reconcile"`
	Failures   []Failure       `json:"failures"`
}

// Result carries every artefact produced by a run.
type Result struct {
	Report     Report
	Ledger     ledger.Ledger
	Reconciled []ledger.ReconciledRecord
	Rollup     rollup.Result
	States     []rollup.StateSummary
	// Registry is the snapshot used for reconciliation; empty when the
	// registry was unavailable.
	Registry []ledger.RegistryEntity
}

// Service wires the pipeline components.
type Service struct {
	transport source.Transport
	extractor source.Extractor
	registry  registry.Provider
	cfg       Config
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewService constructs the pipeline. A nil extractor defaults to zip.
func NewService(transport source.Transport, provider registry.Provider, cfg Config, logger *slog.Logger, metrics *jobmetrics.Metrics) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		transport: transport,
		extractor: source.ZipExtractor{},
		registry:  provider,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

// WithExtractor swaps the archive extractor.
func (s *Service) WithExtractor(extractor source.Extractor) {
	if s != nil && extractor != nil {
		s.extractor = extractor
	}
}

// RunOptions override the configured limit for a single run.
type RunOptions struct {
	Limit int
}

type unit struct {
	bundle  ledger.PeriodBundle
	archive string
}

// collector gathers failures reported concurrently by pipeline components.
type collector struct {
	mu       sync.Mutex
	failures []Failure
}

func (c *collector) add(stage string) source.FailureHook {
	return func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.failures = append(c.failures, Failure{Stage: stage, Locator: locatorOf(err), Message: err.Error()})
	}
}

func locatorOf(err error) string {
	var discoveryErr *ledger.DiscoveryError
	var fetchErr *ledger.FetchError
	var schemaErr *ledger.SchemaMismatchError
	switch {
	case errors.As(err, &discoveryErr):
		return discoveryErr.Locator
	case errors.As(err, &fetchErr):
		if fetchErr.Member != "" {
			return fetchErr.Archive + "/" + fetchErr.Member
		}
		return fetchErr.Archive
	case errors.As(err, &schemaErr):
		return schemaErr.File
	}
	return ""
}

// Run discovers bundles, builds the ledger and reconciles it. Per-unit
// failures are reported in the result; only context cancellation aborts.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	report := Report{RunID: uuid.New(), StartedAt: s.now()}
	col := &collector{}
	log := s.logger.With(slog.String("run_id", report.RunID.String()))

	catalog := source.NewCatalog(s.transport, s.cfg.SourceURL, log)
	catalog.OnFailure(col.add(StageDiscovery))
	fetcher := source.NewFetcher(s.transport, s.extractor, log)
	fetcher.OnFailure(col.add(StageFetch))

	bundles := catalog.Discover(ctx, limit)
	var units []unit
	for _, b := range bundles {
		report.Bundles = append(report.Bundles, b.Label())
		for _, archive := range fetcher.Archives(ctx, b) {
			units = append(units, unit{bundle: b, archive: archive})
		}
	}
	report.Archives = len(units)

	parts, files, err := s.normalizeUnits(ctx, fetcher, units, col)
	if err != nil {
		return nil, err
	}
	report.Files = files
	l := ledger.Consolidate(parts...)
	report.Records = l.Len()
	s.metrics.AddRecords("normalized", l.Len())

	entities, err := s.registry.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("registry snapshot", slog.Any("error", err))
		col.add(StageRegistry)(err)
	}

	res := s.finish(l, entities, &report, col)
	log.Info("ingest run finished",
		slog.Int("bundles", len(report.Bundles)),
		slog.Int("archives", report.Archives),
		slog.Int("files", report.Files),
		slog.Int("records", report.Records),
		slog.Int("entities", report.Entities),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return res, nil
}

// Enrich reconciles and rolls up an existing ledger, skipping discovery.
func (s *Service) Enrich(ctx context.Context, l ledger.Ledger) (*Result, error) {
	report := Report{RunID: uuid.New(), StartedAt: s.now(), Records: l.Len()}
	col := &collector{}
	entities, err := s.registry.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("registry snapshot", slog.Any("error", err))
		col.add(StageRegistry)(err)
	}
	return s.finish(l, entities, &report, col), nil
}

func (s *Service) finish(l ledger.Ledger, entities []ledger.RegistryEntity, report *Report, col *collector) *Result {
	reconciled, stats := reconcile.Reconcile(l, entities)
	agg := rollup.Aggregate(reconciled)
	report.Reconcile = stats
	report.Entities = len(agg.Summaries)
	report.Unkeyed = agg.Unkeyed
	report.FinishedAt = s.now()

	col.mu.Lock()
	report.Failures = append([]Failure(nil), col.failures...)
	col.mu.Unlock()
	for _, f := range report.Failures {
		s.metrics.AddSkipped(f.Stage, 1)
	}
	s.metrics.AddRecords("matched", stats.ByTaxID+stats.ByRegistryNumber)
	s.metrics.AddRecords("unmatched", stats.Unmatched)

	return &Result{
		Report:     *report,
		Ledger:     l,
		Reconciled: reconciled,
		Rollup:     agg,
		States:     rollup.ByState(agg.Summaries),
		Registry:   entities,
	}
}

// normalizeUnits fetches and normalizes archives on a bounded pool. Each unit
// writes only its own slot so the fold afterwards is deterministic.
func (s *Service) normalizeUnits(ctx context.Context, fetcher *source.Fetcher, units []unit, col *collector) ([][]ledger.ExpenseRecord, int, error) {
	slots := make([][]ledger.ExpenseRecord, len(units))
	counts := make([]int, len(units))
	schemaFailure := col.add(StageSchema)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			files := fetcher.FetchArchive(gctx, u.bundle, u.archive)
			counts[i] = len(files)
			defaultYear := u.bundle.Year
			if defaultYear == 0 {
				defaultYear = s.defaultYear()
			}
			var records []ledger.ExpenseRecord
			for _, f := range files {
				recs, err := ledger.NormalizeTable(f.Table, ledger.PeriodContext{Text: f.Context, DefaultYear: defaultYear})
				if err != nil {
					s.logger.Warn("schema mismatch", slog.String("file", f.Context), slog.Any("header", f.Table.Header))
					schemaFailure(err)
					continue
				}
				records = append(records, recs...)
			}
			slots[i] = records
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	files := 0
	for _, n := range counts {
		files += n
	}
	return slots, files, nil
}

func (s *Service) defaultYear() int {
	if s.cfg.DefaultYear > 0 {
		return s.cfg.DefaultYear
	}
	return s.now().Year()
}

func (s *Service) now() time.Time {
	if s != nil && s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}
