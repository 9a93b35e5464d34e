package source

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

var (
	yearDirPattern     = regexp.MustCompile(`^(20\d{2})$`)
	quarterFirstToken  = regexp.MustCompile(`^([1-4])T(20\d{2})$`)
	yearFirstToken     = regexp.MustCompile(`^(20\d{2})[-_]?[TQ]([1-4])$`)
	quarterArchiveName = regexp.MustCompile(`^([1-4])T(20\d{2})\.ZIP$`)
)

// FailureHook receives non-fatal failures for attribution.
type FailureHook func(error)

// Catalog enumerates period bundles from the regulator's index pages.
type Catalog struct {
	transport Transport
	root      string
	logger    *slog.Logger
	onFailure FailureHook
}

// NewCatalog builds a catalog rooted at rootURL.
func NewCatalog(transport Transport, rootURL string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasSuffix(rootURL, "/") {
		rootURL += "/"
	}
	return &Catalog{transport: transport, root: rootURL, logger: logger}
}

// OnFailure registers a hook invoked with every DiscoveryError.
func (c *Catalog) OnFailure(hook FailureHook) {
	c.onFailure = hook
}

// Discover returns at most limit bundles, most recent period first. Listing
// failures are reported and yield fewer, possibly zero, bundles.
func (c *Catalog) Discover(ctx context.Context, limit int) []ledger.PeriodBundle {
	links, err := c.transport.List(ctx, c.root)
	if err != nil {
		c.fail(&ledger.DiscoveryError{Locator: c.root, Err: err})
		return nil
	}

	var bundles []ledger.PeriodBundle
	var years []yearDir
	for _, link := range links {
		name := strings.ToUpper(entryName(link.Href))
		if m := yearDirPattern.FindStringSubmatch(name); m != nil {
			year, _ := strconv.Atoi(m[1])
			years = append(years, yearDir{year: year, href: link.Href})
			continue
		}
		if b, ok := quarterBundle(name, link.Href); ok {
			bundles = append(bundles, b)
		}
	}

	sort.SliceStable(years, func(i, j int) bool { return years[i].year > years[j].year })
	for _, yd := range years {
		if limit > 0 && len(bundles) >= limit {
			sortBundles(bundles)
			if bundles[limit-1].Year > yd.year {
				break
			}
		}
		bundles = append(bundles, c.expandYear(ctx, yd)...)
	}

	sortBundles(bundles)
	if limit > 0 && len(bundles) > limit {
		bundles = bundles[:limit]
	}
	c.logger.Info("discovered period bundles", slog.String("root", c.root), slog.Int("bundles", len(bundles)))
	return bundles
}

type yearDir struct {
	year int
	href string
}

// expandYear lists a year directory and groups its archives per quarter.
func (c *Catalog) expandYear(ctx context.Context, yd yearDir) []ledger.PeriodBundle {
	links, err := c.transport.List(ctx, yd.href)
	if err != nil {
		c.fail(&ledger.DiscoveryError{Locator: yd.href, Err: err})
		return nil
	}
	byQuarter := make(map[int]*ledger.PeriodBundle)
	for _, link := range links {
		name := entryName(link.Href)
		if !strings.HasSuffix(strings.ToLower(name), ".zip") {
			continue
		}
		_, quarter := ledger.InferPeriod(name, yd.year)
		b, ok := byQuarter[quarter]
		if !ok {
			b = &ledger.PeriodBundle{Locator: yd.href, Year: yd.year, Quarter: quarter}
			byQuarter[quarter] = b
		}
		b.Archives = append(b.Archives, link.Href)
	}
	out := make([]ledger.PeriodBundle, 0, len(byQuarter))
	for _, b := range byQuarter {
		out = append(out, *b)
	}
	return out
}

func quarterBundle(name, href string) (ledger.PeriodBundle, bool) {
	if m := quarterFirstToken.FindStringSubmatch(name); m != nil {
		return newBundle(href, m[2], m[1], nil), true
	}
	if m := yearFirstToken.FindStringSubmatch(name); m != nil {
		return newBundle(href, m[1], m[2], nil), true
	}
	if m := quarterArchiveName.FindStringSubmatch(name); m != nil {
		return newBundle(href, m[2], m[1], []string{href}), true
	}
	return ledger.PeriodBundle{}, false
}

func newBundle(href, year, quarter string, archives []string) ledger.PeriodBundle {
	y, _ := strconv.Atoi(year)
	q, _ := strconv.Atoi(quarter)
	return ledger.PeriodBundle{Locator: href, Year: y, Quarter: q, Archives: archives}
}

func sortBundles(bundles []ledger.PeriodBundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		a, b := bundles[i], bundles[j]
		if a.Year != b.Year {
			return a.Year > b.Year
		}
		if a.Quarter != b.Quarter {
			return a.Quarter > b.Quarter
		}
		return a.Locator < b.Locator
	})
}

// entryName is the last path segment of href without a trailing slash.
func entryName(href string) string {
	p := href
	if u, err := url.Parse(href); err == nil {
		p = u.Path
	}
	return path.Base(strings.TrimSuffix(p, "/"))
}

func (c *Catalog) fail(err error) {
	c.logger.Error("discovery failed", slog.Any("error", err))
	if c.onFailure != nil {
		c.onFailure(err)
	}
}
