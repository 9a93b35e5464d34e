// Package source discovers and downloads the regulator's quarterly disclosure
// bundles and decodes their tabular members.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/html"
)

// ErrTooLarge indicates a response body exceeded the configured limit.
var ErrTooLarge = errors.New("source: response exceeds size limit")

// Link is one anchor found on a listing page, with href resolved to an absolute URL.
type Link struct {
	Name string
	Href string
}

// Transport abstracts listing pages and downloading files.
type Transport interface {
	List(ctx context.Context, pageURL string) ([]Link, error)
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}

// HTTPConfig tunes the HTTP transport.
type HTTPConfig struct {
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	MaxBytes      int64
	UserAgent     string
}

// HTTPTransport implements Transport over plain HTTP with retries.
type HTTPTransport struct {
	client *http.Client
	cfg    HTTPConfig
	logger *slog.Logger
}

// NewHTTPTransport builds a transport; zero config values fall back to defaults.
func NewHTTPTransport(cfg HTTPConfig, logger *slog.Logger) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ansledger/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Fetch downloads fileURL, retrying transient failures with exponential backoff.
func (t *HTTPTransport) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", t.cfg.UserAgent)
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("source: %s: status %d", fileURL, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("source: %s: status %d", fileURL, resp.StatusCode))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBytes+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > t.cfg.MaxBytes {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrTooLarge, fileURL))
		}
		body = data
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.RetryInterval
	notify := func(err error, wait time.Duration) {
		t.logger.Warn("retrying download", slog.String("url", fileURL), slog.Duration("wait", wait), slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, t.cfg.MaxRetries), ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

// List downloads an HTML index page and returns the anchors that point below it.
func (t *HTTPTransport) List(ctx context.Context, pageURL string) ([]Link, error) {
	data, err := t.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ParseListing(pageURL, data)
}

// ParseListing extracts anchors from an index page. Links outside the page
// directory, query-only links and fragments are dropped.
func ParseListing(pageURL string, page []byte) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse base url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	prefix := base.String()

	var (
		links  []Link
		href   string
		inside bool
		text   strings.Builder
	)
	seen := make(map[string]struct{})
	tokens := html.NewTokenizer(bytes.NewReader(page))
	for {
		switch tokens.Next() {
		case html.ErrorToken:
			if errors.Is(tokens.Err(), io.EOF) {
				return links, nil
			}
			return nil, fmt.Errorf("source: parse listing: %w", tokens.Err())
		case html.StartTagToken:
			tok := tokens.Token()
			if tok.Data != "a" {
				continue
			}
			href, inside = "", true
			text.Reset()
			for _, attr := range tok.Attr {
				if attr.Key == "href" {
					href = strings.TrimSpace(attr.Val)
				}
			}
		case html.TextToken:
			if inside {
				text.Write(tokens.Text())
			}
		case html.EndTagToken:
			tok := tokens.Token()
			if tok.Data != "a" || !inside {
				continue
			}
			inside = false
			ref, err := url.Parse(href)
			if href == "" || err != nil || ref.RawQuery != "" || strings.HasPrefix(href, "#") {
				continue
			}
			abs := base.ResolveReference(ref).String()
			if !strings.HasPrefix(abs, prefix) || abs == prefix {
				continue
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			name := strings.TrimSpace(text.String())
			if name == "" {
				name = strings.TrimPrefix(abs, prefix)
			}
			links = append(links, Link{Name: name, Href: abs})
		}
	}
}
