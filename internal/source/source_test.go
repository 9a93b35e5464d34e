package source

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/ansledger/internal/ledger"
)

func buildZip(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func listing(hrefs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><a href="?C=N;O=D">Name</a><a href="/FTP/PDA/">Parent Directory</a>`)
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, h, h)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// newRegulatorServer mimics the index tree: root -> year directories -> quarter zips.
func newRegulatorServer(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/PDA/dc/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/PDA/dc/":
			fmt.Fprint(w, listing("2022/", "2023/", "2024/", "README.txt", "leiame/"))
		case "/PDA/dc/2024/":
			fmt.Fprint(w, listing("1T2024.zip", "2T2024.zip"))
		case "/PDA/dc/2023/":
			fmt.Fprint(w, listing("3T2023.zip", "4T2023.zip"))
		case "/PDA/dc/2022/":
			http.Error(w, "boom", http.StatusNotFound)
		default:
			if strings.HasSuffix(r.URL.Path, ".zip") {
				_, _ = w.Write(archive)
				return
			}
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fastTransport() *HTTPTransport {
	return NewHTTPTransport(HTTPConfig{Timeout: 5 * time.Second, MaxRetries: 2, RetryInterval: time.Millisecond}, nil)
}

func TestParseListingResolvesRelativeLinks(t *testing.T) {
	links, err := ParseListing("https://host/PDA/dc", []byte(listing("2024/", "2024/", "#top")))
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://host/PDA/dc/2024/", links[0].Href)
	assert.Equal(t, "2024/", links[0].Name)
}

func TestCatalogDiscoverExpandsYearDirectories(t *testing.T) {
	srv := newRegulatorServer(t, nil)
	catalog := NewCatalog(fastTransport(), srv.URL+"/PDA/dc/", nil)

	bundles := catalog.Discover(context.Background(), 3)
	require.Len(t, bundles, 3)
	assert.Equal(t, "2T2024", bundles[0].Label())
	assert.Equal(t, "1T2024", bundles[1].Label())
	assert.Equal(t, "4T2023", bundles[2].Label())
	assert.Equal(t, []string{srv.URL + "/PDA/dc/2024/2T2024.zip"}, bundles[0].Archives)
}

func TestCatalogDiscoverReportsListingFailures(t *testing.T) {
	srv := newRegulatorServer(t, nil)
	catalog := NewCatalog(fastTransport(), srv.URL+"/PDA/dc/", nil)
	var failures []error
	catalog.OnFailure(func(err error) { failures = append(failures, err) })

	bundles := catalog.Discover(context.Background(), 10)
	assert.Len(t, bundles, 4)
	require.Len(t, failures, 1)
	var discoveryErr *ledger.DiscoveryError
	require.ErrorAs(t, failures[0], &discoveryErr)
	assert.Contains(t, discoveryErr.Locator, "/2022/")
}

func TestCatalogDiscoverRootUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	catalog := NewCatalog(fastTransport(), srv.URL, nil)
	var failures int
	catalog.OnFailure(func(error) { failures++ })

	assert.Empty(t, catalog.Discover(context.Background(), 3))
	assert.Equal(t, 1, failures)
}

func TestHTTPTransportRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := fastTransport().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPTransportDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := fastTransport().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcherDecodesTabularMembers(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"1T2024.csv":  "CNPJ;RAZAO_SOCIAL;VALOR\n11.444.777/0001-61;ACME;1.234,56\n",
		"leia-me.pdf": "%PDF",
	})
	srv := newRegulatorServer(t, archive)
	fetcher := NewFetcher(fastTransport(), nil, nil)
	bundle := ledger.PeriodBundle{Locator: srv.URL + "/PDA/dc/2024/", Year: 2024, Quarter: 1}

	archives := fetcher.Archives(context.Background(), bundle)
	require.Len(t, archives, 2)

	files := fetcher.FetchArchive(context.Background(), bundle, archives[0])
	require.Len(t, files, 1)
	assert.Equal(t, archives[0]+"/1T2024.csv", files[0].Context)
	assert.Equal(t, []string{"CNPJ", "RAZAO_SOCIAL", "VALOR"}, files[0].Table.Header)
	assert.Len(t, fetcher.Fetch(context.Background(), bundle), 2)
}

func TestFetcherReportsCorruptArchive(t *testing.T) {
	srv := newRegulatorServer(t, []byte("not a zip"))
	fetcher := NewFetcher(fastTransport(), nil, nil)
	var failures []error
	fetcher.OnFailure(func(err error) { failures = append(failures, err) })

	files := fetcher.FetchArchive(context.Background(), ledger.PeriodBundle{Locator: "b"}, srv.URL+"/PDA/dc/2024/1T2024.zip")
	assert.Empty(t, files)
	require.Len(t, failures, 1)
	var fetchErr *ledger.FetchError
	require.ErrorAs(t, failures[0], &fetchErr)
	assert.Equal(t, "b", fetchErr.Bundle)
}

func TestDecodeDelimitedLatin1AndSniffing(t *testing.T) {
	// "DESCRIÇÃO" encoded as latin-1.
	latin := []byte("REG_ANS\tDESCRI\xc7\xc3O\tVL_SALDO_FINAL\n123\tCONSULTAS\t10,5\n1\t2\t3\t4\n")
	table, err := DecodeTable("dados.txt", latin)
	require.NoError(t, err)
	assert.Equal(t, []string{"REG_ANS", "DESCRIÇÃO", "VL_SALDO_FINAL"}, table.Header)
	require.Len(t, table.Rows, 1)
	assert.False(t, table.IsTextual(0))
	assert.True(t, table.IsTextual(2))
}

func TestDecodeDelimitedNumericColumn(t *testing.T) {
	table, err := DecodeTable("a.CSV", []byte("\xef\xbb\xbfCNPJ,VALOR\n1,1234.56\n2,\n"))
	require.NoError(t, err)
	assert.Equal(t, "CNPJ", table.Header[0])
	assert.False(t, table.IsTextual(1))
	require.Len(t, table.Rows, 2)
}

func TestDecodeTableErrors(t *testing.T) {
	_, err := DecodeTable("a.csv", nil)
	assert.ErrorIs(t, err, ErrEmptyTable)
	_, err = DecodeTable("a.pdf", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedMember)
}

func TestDecodeWorkbook(t *testing.T) {
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]any{"CNPJ", "NOME", "VALOR"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]any{"11444777000161", "ACME", 1234.56}))
	var buf bytes.Buffer
	require.NoError(t, book.Write(&buf))
	require.NoError(t, book.Close())

	table, err := DecodeTable("1T2024.xlsx", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"CNPJ", "NOME", "VALOR"}, table.Header)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "1234.56", table.Rows[0][2])
	assert.False(t, table.IsTextual(2))
}

func TestDirTransportServesMirror(t *testing.T) {
	root := t.TempDir()
	catalog := NewCatalog(DirTransport{}, root, nil)
	assert.Empty(t, catalog.Discover(context.Background(), 3))
	assert.False(t, IsRemote(root))
	assert.True(t, IsRemote("HTTPS://dadosabertos.ans.gov.br/"))
}
