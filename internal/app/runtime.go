package app

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/odyssey-erp/ansledger/internal/ingest"
	jobmetrics "github.com/odyssey-erp/ansledger/internal/jobs"
	"github.com/odyssey-erp/ansledger/internal/registry"
	"github.com/odyssey-erp/ansledger/internal/source"
)

const testModeEnv = "LEDGER_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether binaries should skip runtime side effects.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// NewTransport returns the transport for a source location: plain
// directories are read from disk, anything else over HTTP.
func NewTransport(cfg *Config, location string, logger *slog.Logger) source.Transport {
	if !source.IsRemote(location) {
		return source.DirTransport{}
	}
	return source.NewHTTPTransport(source.HTTPConfig{
		Timeout:       cfg.HTTPTimeout,
		MaxRetries:    cfg.HTTPMaxRetries,
		RetryInterval: cfg.HTTPRetryInterval,
		MaxBytes:      cfg.HTTPMaxBytes,
		UserAgent:     "ansledger/" + Version,
	}, logger)
}

// NewRegistry builds the registry downloader for cfg.RegistryURL.
func NewRegistry(cfg *Config, logger *slog.Logger) *registry.Downloader {
	return registry.NewDownloader(NewTransport(cfg, cfg.RegistryURL, logger), cfg.RegistryURL, logger)
}

// NewIngestService wires the pipeline from configuration. A non-nil stored
// provider backs the registry download when it fails.
func NewIngestService(cfg *Config, logger *slog.Logger, metrics *jobmetrics.Metrics, stored registry.Provider) *ingest.Service {
	var provider registry.Provider = NewRegistry(cfg, logger)
	if stored != nil {
		provider = registry.Fallback{Primary: provider, Secondary: stored, Logger: logger}
	}
	return ingest.NewService(
		NewTransport(cfg, cfg.SourceURL, logger),
		provider,
		ingest.Config{
			SourceURL:   cfg.SourceURL,
			Limit:       cfg.Limit,
			Workers:     cfg.Workers,
			DefaultYear: cfg.TargetYear,
		},
		logger,
		metrics,
	)
}
