package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/ansledger/internal/jobs"
	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/source"
)

type stubRegistry struct {
	entities []ledger.RegistryEntity
	err      error
}

func (s stubRegistry) Snapshot(ctx context.Context) ([]ledger.RegistryEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.entities, s.err
}

var acme = ledger.RegistryEntity{TaxID: "11444777000161", RegistryNumber: 326305, LegalName: "ACME", StateCode: "SP"}

func writeZip(t *testing.T, path string, members map[string]string) {
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
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

// mirror lays out root/2024/{1T2024.zip,2T2024.zip}; the second archive is corrupt.
func mirror(t *testing.T) string {
	t.Helper()
	return mirrorWith(t, "REG_ANS;DESCRICAO;VL_SALDO_FINAL\n326305;EVENTOS;0,00\n")
}

// mirrorWith is mirror with the contents of the registry-number member of 1T2024.
func mirrorWith(t *testing.T, regANS string) string {
	t.Helper()
	root := t.TempDir()
	yearDir := filepath.Join(root, "2024")
	require.NoError(t, os.MkdirAll(yearDir, 0o755))
	writeZip(t, filepath.Join(yearDir, "1T2024.zip"), map[string]string{
		"cnpj.csv":    "CNPJ;RAZAO_SOCIAL;VALOR\n11.444.777/0001-61;ACME;1.234,56\n",
		"reg_ans.csv": regANS,
		"other.csv":   "FOO;BAR\n1;2\n",
	})
	require.NoError(t, os.WriteFile(filepath.Join(yearDir, "2T2024.zip"), []byte("corrupt"), 0o600))
	return root
}

func newTestService(t *testing.T, root string, provider stubRegistry) *Service {
	t.Helper()
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	svc := NewService(source.DirTransport{}, provider, Config{SourceURL: root, Limit: 3, Workers: 2, DefaultYear: 2024}, nil, metrics)
	svc.WithClock(func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) })
	return svc
}

func TestRunEndToEnd(t *testing.T) {
	cases := []struct {
		name   string
		regANS string
	}{
		{name: "event account with zero amount", regANS: "REG_ANS;CONTA;VL_EVENTO\n987;Despesa X;0,00\n"},
		{name: "final balance with zero amount", regANS: "REG_ANS;DESCRICAO;VL_SALDO_FINAL\n326305;EVENTOS;0,00\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t, mirrorWith(t, tc.regANS), stubRegistry{entities: []ledger.RegistryEntity{acme}})

			res, err := svc.Run(context.Background(), RunOptions{})
			require.NoError(t, err)

			assert.Equal(t, []string{"2T2024", "1T2024"}, res.Report.Bundles)
			assert.Equal(t, 2, res.Report.Archives)
			assert.Equal(t, 3, res.Report.Files)

			records := res.Ledger.Records()
			require.Len(t, records, 1)
			assert.Equal(t, "11444777000161", records[0].Identifier)
			assert.Equal(t, "ACME", records[0].EntityLabel)
			assert.Equal(t, 2024, records[0].Year)
			assert.Equal(t, 1, records[0].Quarter)
			assert.True(t, records[0].Amount.Equal(decimal.RequireFromString("1234.56")))

			require.Len(t, res.Reconciled, 1)
			assert.Equal(t, ledger.MatchTaxID, res.Reconciled[0].Match)
			assert.Equal(t, "ACME", res.Reconciled[0].LegalName)
			assert.True(t, res.Reconciled[0].ValidTaxID)

			require.Len(t, res.Rollup.Summaries, 1)
			summary := res.Rollup.Summaries[0]
			assert.True(t, summary.TotalAmount.Equal(decimal.RequireFromString("1234.56")))
			assert.True(t, summary.MeanPerPeriod.Equal(decimal.RequireFromString("1234.56")))
			assert.Zero(t, summary.StdDevPeriod)

			require.Len(t, res.States, 1)
			assert.Equal(t, "SP", res.States[0].StateCode)

			stages := map[string]int{}
			for _, f := range res.Report.Failures {
				stages[f.Stage]++
			}
			assert.Equal(t, map[string]int{StageFetch: 1, StageSchema: 1}, stages)
		})
	}
}

func TestRunReadsEventAccountColumns(t *testing.T) {
	root := mirrorWith(t, "REG_ANS;CONTA;VL_EVENTO\n987;Despesa X;1.500,25\n")
	svc := newTestService(t, root, stubRegistry{entities: []ledger.RegistryEntity{acme}})

	res, err := svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Ledger.Len())

	byID := map[string]ledger.ExpenseRecord{}
	for _, rec := range res.Ledger.Records() {
		byID[rec.Identifier] = rec
	}
	event, ok := byID["987"]
	require.True(t, ok)
	assert.Equal(t, "Despesa X", event.EntityLabel)
	assert.Equal(t, 1, event.Quarter)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("1500.25")))

	assert.Equal(t, 1, res.Rollup.Unkeyed)
	require.Len(t, res.Rollup.Summaries, 1)
	assert.Equal(t, "326305", res.Rollup.Summaries[0].EntityKey)
}

func TestRunWithoutBundles(t *testing.T) {
	svc := newTestService(t, t.TempDir(), stubRegistry{entities: []ledger.RegistryEntity{acme}})
	res, err := svc.Run(context.Background(), RunOptions{Limit: 5})
	require.NoError(t, err)
	assert.Zero(t, res.Report.Records)
	assert.Zero(t, res.Ledger.Len())
	assert.Empty(t, res.Rollup.Summaries)
}

func TestRunRegistryFailureKeepsRecords(t *testing.T) {
	svc := newTestService(t, mirror(t), stubRegistry{err: errors.New("registry down")})
	res, err := svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Reconciled, 1)
	assert.False(t, res.Reconciled[0].Matched())
	assert.Equal(t, 1, res.Rollup.Unkeyed)

	var registryFailures int
	for _, f := range res.Report.Failures {
		if f.Stage == StageRegistry {
			registryFailures++
		}
	}
	assert.Equal(t, 1, registryFailures)
}

func TestRunCancelled(t *testing.T) {
	svc := newTestService(t, mirror(t), stubRegistry{entities: []ledger.RegistryEntity{acme}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Run(ctx, RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnrichAndWriteOutputs(t *testing.T) {
	svc := newTestService(t, t.TempDir(), stubRegistry{entities: []ledger.RegistryEntity{acme}})
	l := ledger.NewLedger([]ledger.ExpenseRecord{
		{Identifier: "326305", EntityLabel: "EVENTOS", Quarter: 1, Year: 2024, Amount: decimal.NewFromInt(100)},
		{Identifier: "326305", EntityLabel: "EVENTOS", Quarter: 2, Year: 2024, Amount: decimal.NewFromInt(300)},
	})
	res, err := svc.Enrich(context.Background(), l)
	require.NoError(t, err)
	require.Len(t, res.Rollup.Summaries, 1)
	assert.Equal(t, 2, res.Report.Reconcile.ByRegistryNumber)
	assert.True(t, res.Rollup.Summaries[0].MeanPerPeriod.Equal(decimal.NewFromInt(200)))

	dir := filepath.Join(t.TempDir(), "out")
	outputs, err := WriteOutputs(dir, res)
	require.NoError(t, err)
	for _, path := range []string{outputs.Ledger, outputs.LedgerZip, outputs.Summary} {
		_, err := os.Stat(path)
		require.NoError(t, err, path)
	}

	f, err := os.Open(outputs.Ledger)
	require.NoError(t, err)
	defer f.Close()
	reloaded, err := ledger.ReadLedgerCSV(f)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())

	summary, err := os.ReadFile(outputs.Summary)
	require.NoError(t, err)
	assert.Contains(t, string(summary), "ACME;SP;400.00;200.00;141.42")
}
