package source

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

// File is one decoded tabular member together with its period context.
type File struct {
	Name    string
	Context string
	Table   ledger.RawTable
}

// Fetcher downloads and unpacks the archives of a bundle.
type Fetcher struct {
	transport Transport
	extractor Extractor
	logger    *slog.Logger
	onFailure FailureHook
}

// NewFetcher builds a fetcher. A nil extractor defaults to ZipExtractor.
func NewFetcher(transport Transport, extractor Extractor, logger *slog.Logger) *Fetcher {
	if extractor == nil {
		extractor = ZipExtractor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{transport: transport, extractor: extractor, logger: logger}
}

// OnFailure registers a hook invoked with every FetchError.
func (f *Fetcher) OnFailure(hook FailureHook) {
	f.onFailure = hook
}

// Archives resolves the archive URLs of a bundle, listing its page when the
// catalog did not resolve them already.
func (f *Fetcher) Archives(ctx context.Context, bundle ledger.PeriodBundle) []string {
	if len(bundle.Archives) > 0 {
		return bundle.Archives
	}
	links, err := f.transport.List(ctx, bundle.Locator)
	if err != nil {
		f.fail(&ledger.FetchError{Bundle: bundle.Locator, Archive: bundle.Locator, Err: err})
		return nil
	}
	var archives []string
	for _, link := range links {
		if strings.HasSuffix(strings.ToLower(entryName(link.Href)), ".zip") {
			archives = append(archives, link.Href)
		}
	}
	sort.Strings(archives)
	return archives
}

// Fetch returns every decoded file of the bundle, archive by archive.
func (f *Fetcher) Fetch(ctx context.Context, bundle ledger.PeriodBundle) []File {
	var files []File
	for _, archive := range f.Archives(ctx, bundle) {
		files = append(files, f.FetchArchive(ctx, bundle, archive)...)
	}
	return files
}

// FetchArchive downloads one archive and decodes its tabular members. Any
// failure is reported and skips only the affected archive or member.
func (f *Fetcher) FetchArchive(ctx context.Context, bundle ledger.PeriodBundle, archiveURL string) []File {
	data, err := f.transport.Fetch(ctx, archiveURL)
	if err != nil {
		f.fail(&ledger.FetchError{Bundle: bundle.Locator, Archive: archiveURL, Err: err})
		return nil
	}
	members, err := f.extractor.Extract(data)
	if err != nil {
		f.fail(&ledger.FetchError{Bundle: bundle.Locator, Archive: archiveURL, Err: err})
		return nil
	}
	files := make([]File, 0, len(members))
	for _, m := range members {
		if !IsTabular(m.Name) {
			continue
		}
		table, err := DecodeTable(m.Name, m.Data)
		if err != nil {
			f.fail(&ledger.FetchError{Bundle: bundle.Locator, Archive: archiveURL, Member: m.Name, Err: err})
			continue
		}
		files = append(files, File{
			Name:    m.Name,
			Context: archiveURL + "/" + m.Name,
			Table:   table,
		})
	}
	f.logger.Debug("fetched archive", slog.String("archive", archiveURL), slog.Int("files", len(files)))
	return files
}

func (f *Fetcher) fail(err error) {
	f.logger.Error("fetch failed", slog.Any("error", err))
	if f.onFailure != nil {
		f.onFailure(err)
	}
}
