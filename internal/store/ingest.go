package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/ansledger/internal/ingest"
	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
	"github.com/odyssey-erp/ansledger/internal/ledger/rollup"
	"github.com/odyssey-erp/ansledger/internal/platform/db"
)

// RunSummary is one row of the ingest audit table.
type RunSummary struct {
	ID         uuid.UUID `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Bundles    []string  `json:"bundles"`
	Archives   int       `json:"archives"`
	Files      int       `json:"files"`
	Records    int       `json:"records"`
	Entities   int       `json:"entities"`
	Failures   int       `json:"failures"`
}

type period struct {
	year    int
	quarter int
}

// ingestLockKey serialises concurrent SaveRun calls.
const ingestLockKey int64 = 0x616e736c

// SaveRun persists a finished run in one transaction: the run audit row, the
// registry snapshot, the reconciled ledger for the periods it covers and the
// refreshed period facts. Entity summaries are recomputed from every stored
// period so they stay consistent across partial runs.
func (r *Repository) SaveRun(ctx context.Context, res *ingest.Result) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("store: repository not initialised")
	}
	if res == nil {
		return fmt.Errorf("store: nil run result")
	}
	return db.WithTx(ctx, r.pool, ingestLockKey, func(tx pgx.Tx) error {
		if err := insertRun(ctx, tx, res.Report); err != nil {
			return err
		}
		if err := upsertOperators(ctx, tx, res.Registry); err != nil {
			return err
		}
		if err := replaceLedger(ctx, tx, res.Report.RunID, res.Reconciled); err != nil {
			return err
		}
		if err := replacePeriodTotals(ctx, tx, res.Report.RunID, periodsOf(res.Reconciled), res.Rollup.Totals); err != nil {
			return err
		}
		return refreshSummaries(ctx, tx)
	})
}

func insertRun(ctx context.Context, tx pgx.Tx, report ingest.Report) error {
	reconcileJSON, err := json.Marshal(report.Reconcile)
	if err != nil {
		return fmt.Errorf("store: encode reconcile stats: %w", err)
	}
	failures := report.Failures
	if failures == nil {
		failures = []ingest.Failure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("store: encode failures: %w", err)
	}
	bundles := report.Bundles
	if bundles == nil {
		bundles = []string{}
	}
	const query = `
INSERT INTO ingest_runs (id, started_at, finished_at, bundles, archives, files, records, entities, unkeyed, reconcile, failures)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = tx.Exec(ctx, query,
		uuidParam(report.RunID), report.StartedAt, report.FinishedAt, bundles,
		report.Archives, report.Files, report.Records, report.Entities, report.Unkeyed,
		reconcileJSON, failuresJSON,
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// upsertOperators refreshes operadoras from the registry snapshot. The first
// entity seen for a registro_ans wins, matching reconciliation.
func upsertOperators(ctx context.Context, tx pgx.Tx, entities []ledger.RegistryEntity) error {
	if len(entities) == 0 {
		return nil
	}
	const query = `
INSERT INTO operadoras (registro_ans, cnpj, razao_social, uf, modalidade, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (registro_ans)
DO UPDATE SET cnpj = EXCLUDED.cnpj, razao_social = EXCLUDED.razao_social,
              uf = EXCLUDED.uf, modalidade = EXCLUDED.modalidade, updated_at = now()`
	batch := &pgx.Batch{}
	seen := make(map[int64]struct{}, len(entities))
	for _, e := range entities {
		if e.RegistryNumber <= 0 {
			continue
		}
		if _, ok := seen[e.RegistryNumber]; ok {
			continue
		}
		seen[e.RegistryNumber] = struct{}{}
		batch.Queue(query, e.RegistryNumber, cnpj.Pad(cnpj.Clean(e.TaxID)), e.LegalName, e.StateCode, e.Modality)
	}
	results := tx.SendBatch(ctx, batch)
	for range seen {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("store: upsert operator: %w", err)
		}
	}
	return results.Close()
}

// replaceLedger swaps the stored ledger rows of every period the run covers.
func replaceLedger(ctx context.Context, tx pgx.Tx, runID uuid.UUID, records []ledger.ReconciledRecord) error {
	for _, p := range periodsOf(records) {
		if _, err := tx.Exec(ctx, `DELETE FROM despesas_consolidadas WHERE ano = $1 AND trimestre = $2`, p.year, p.quarter); err != nil {
			return fmt.Errorf("store: clear period %dT%d: %w", p.quarter, p.year, err)
		}
	}
	if len(records) == 0 {
		return nil
	}
	columns := []string{"run_id", "identificador", "descricao", "ano", "trimestre", "valor", "registro_ans", "correspondencia", "cnpj_valido"}
	id := uuidParam(runID)
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"despesas_consolidadas"}, columns, pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		rec := records[i]
		return []any{
			id, rec.Identifier, rec.EntityLabel, rec.Year, int16(rec.Quarter),
			toNumeric(rec.Amount), registryParam(rec.RegistryNumber), string(rec.Match), rec.ValidTaxID,
		}, nil
	}))
	if err != nil {
		return fmt.Errorf("store: copy ledger: %w", err)
	}
	return nil
}

// replacePeriodTotals clears the facts of the covered periods before writing
// the new ones, so keys a re-run no longer produces do not linger.
func replacePeriodTotals(ctx context.Context, tx pgx.Tx, runID uuid.UUID, periods []period, totals []ledger.PeriodTotal) error {
	for _, p := range periods {
		if _, err := tx.Exec(ctx, `DELETE FROM despesas_trimestrais WHERE ano = $1 AND trimestre = $2`, p.year, p.quarter); err != nil {
			return fmt.Errorf("store: clear period totals %dT%d: %w", p.quarter, p.year, err)
		}
	}
	if len(totals) == 0 {
		return nil
	}
	const query = `
INSERT INTO despesas_trimestrais (entity_key, uf, ano, trimestre, registro_ans, razao_social, total, run_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (entity_key, uf, ano, trimestre)
DO UPDATE SET registro_ans = EXCLUDED.registro_ans, razao_social = EXCLUDED.razao_social,
              total = EXCLUDED.total, run_id = EXCLUDED.run_id`
	id := uuidParam(runID)
	batch := &pgx.Batch{}
	for _, t := range totals {
		batch.Queue(query, t.EntityKey, t.StateCode, t.Year, int16(t.Quarter), registryParam(t.RegistryNumber), t.LegalName, toNumeric(t.Total), id)
	}
	results := tx.SendBatch(ctx, batch)
	for range totals {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("store: upsert period total: %w", err)
		}
	}
	return results.Close()
}

func refreshSummaries(ctx context.Context, tx pgx.Tx) error {
	totals, err := queryPeriodTotals(ctx, tx, nil)
	if err != nil {
		return err
	}
	summaries := rollup.Summarize(totals)
	if _, err := tx.Exec(ctx, `DELETE FROM despesas_agregadas`); err != nil {
		return fmt.Errorf("store: clear summaries: %w", err)
	}
	if len(summaries) == 0 {
		return nil
	}
	columns := []string{"entity_key", "uf", "registro_ans", "razao_social", "periodos", "total", "media", "desvio_padrao"}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"despesas_agregadas"}, columns, pgx.CopyFromSlice(len(summaries), func(i int) ([]any, error) {
		s := summaries[i]
		return []any{
			s.EntityKey, s.StateCode, registryParam(s.RegistryNumber), s.LegalName, s.Periods,
			toNumeric(s.TotalAmount), toNumeric(s.MeanPerPeriod), s.StdDevPeriod,
		}, nil
	}))
	if err != nil {
		return fmt.Errorf("store: copy summaries: %w", err)
	}
	return nil
}

// ListRuns returns the most recent ingest runs, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("store: repository not initialised")
	}
	if limit <= 0 {
		limit = 10
	}
	const query = `
SELECT id, started_at, finished_at, bundles, archives, files, records, entities, jsonb_array_length(failures)
FROM ingest_runs
ORDER BY started_at DESC
LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var run RunSummary
		var id pgtype.UUID
		if err := rows.Scan(&id, &run.StartedAt, &run.FinishedAt, &run.Bundles, &run.Archives, &run.Files, &run.Records, &run.Entities, &run.Failures); err != nil {
			return nil, err
		}
		run.ID = uuid.UUID(id.Bytes)
		out = append(out, run)
	}
	return out, rows.Err()
}

// periodsOf lists the distinct periods in ledger order.
func periodsOf(records []ledger.ReconciledRecord) []period {
	seen := make(map[period]struct{})
	var out []period
	for _, rec := range records {
		p := period{year: rec.Year, quarter: rec.Quarter}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func uuidParam(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
