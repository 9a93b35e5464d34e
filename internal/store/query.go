package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
)

// OperatorFilter narrows the operator listing.
type OperatorFilter struct {
	Search string
	Limit  int
	Offset int
}

// Totals aggregates every stored ledger row.
type Totals struct {
	Records int             `json:"registros"`
	Total   decimal.Decimal `json:"total_despesas"`
	Mean    decimal.Decimal `json:"media_despesas"`
}

// ListOperators returns one page of operators ordered by legal name and the
// total matching count.
func (r *Repository) ListOperators(ctx context.Context, filter OperatorFilter) ([]ledger.RegistryEntity, int, error) {
	if r == nil || r.db == nil {
		return nil, 0, fmt.Errorf("store: repository not initialised")
	}
	where := ""
	args := []any{}
	if term := strings.TrimSpace(filter.Search); term != "" {
		args = append(args, "%"+term+"%")
		where = " WHERE razao_social ILIKE $1 OR cnpj LIKE $1"
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM operadoras`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count operators: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`
SELECT registro_ans, cnpj, razao_social, uf, modalidade
FROM operadoras%s
ORDER BY razao_social, registro_ans
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list operators: %w", err)
	}
	defer rows.Close()
	out := make([]ledger.RegistryEntity, 0, limit)
	for rows.Next() {
		e, err := scanOperator(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// GetOperator looks an operator up by CNPJ or registro_ans.
func (r *Repository) GetOperator(ctx context.Context, key string) (ledger.RegistryEntity, error) {
	if r == nil || r.db == nil {
		return ledger.RegistryEntity{}, fmt.Errorf("store: repository not initialised")
	}
	column, value, err := operatorKey(key)
	if err != nil {
		return ledger.RegistryEntity{}, err
	}
	query := `
SELECT registro_ans, cnpj, razao_social, uf, modalidade
FROM operadoras
WHERE ` + column + ` = $1
ORDER BY registro_ans
LIMIT 1`
	e, err := scanOperator(r.db.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.RegistryEntity{}, ErrNotFound
		}
		return ledger.RegistryEntity{}, err
	}
	return e, nil
}

// CreateOperator inserts a new operator. A clash on registro_ans or CNPJ
// returns ErrDuplicate.
func (r *Repository) CreateOperator(ctx context.Context, e ledger.RegistryEntity) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("store: repository not initialised")
	}
	const query = `
INSERT INTO operadoras (registro_ans, cnpj, razao_social, uf, modalidade)
SELECT $1, $2, $3, $4, $5
WHERE NOT EXISTS (SELECT 1 FROM operadoras WHERE cnpj = $2)`
	tag, err := r.db.Exec(ctx, query, e.RegistryNumber, cnpj.Pad(cnpj.Clean(e.TaxID)), e.LegalName, e.StateCode, e.Modality)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// UpdateOperator rewrites the descriptive fields of the operator found by key.
func (r *Repository) UpdateOperator(ctx context.Context, key string, e ledger.RegistryEntity) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("store: repository not initialised")
	}
	column, value, err := operatorKey(key)
	if err != nil {
		return err
	}
	query := `
UPDATE operadoras SET razao_social = $2, uf = $3, modalidade = $4, updated_at = now()
WHERE ` + column + ` = $1`
	tag, err := r.db.Exec(ctx, query, value, e.LegalName, e.StateCode, e.Modality)
	if err != nil {
		return fmt.Errorf("store: update operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOperator removes the operator found by key.
func (r *Repository) DeleteOperator(ctx context.Context, key string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("store: repository not initialised")
	}
	column, value, err := operatorKey(key)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM operadoras WHERE `+column+` = $1`, value)
	if err != nil {
		return fmt.Errorf("store: delete operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpenseHistory lists the quarterly totals of one operator, newest first.
func (r *Repository) ExpenseHistory(ctx context.Context, key string) ([]ledger.PeriodTotal, error) {
	op, err := r.GetOperator(ctx, key)
	if err != nil {
		return nil, err
	}
	const query = `
SELECT entity_key, registro_ans, razao_social, uf, ano, trimestre, total
FROM despesas_trimestrais
WHERE registro_ans = $1
ORDER BY ano DESC, trimestre DESC`
	rows, err := r.db.Query(ctx, query, op.RegistryNumber)
	if err != nil {
		return nil, fmt.Errorf("store: expense history: %w", err)
	}
	return collectPeriodTotals(rows)
}

// PeriodTotals returns stored period facts, optionally restricted to years.
func (r *Repository) PeriodTotals(ctx context.Context, years []int) ([]ledger.PeriodTotal, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("store: repository not initialised")
	}
	return queryPeriodTotals(ctx, r.db, years)
}

// Totals sums and averages every stored ledger row.
func (r *Repository) Totals(ctx context.Context) (Totals, error) {
	if r == nil || r.db == nil {
		return Totals{}, fmt.Errorf("store: repository not initialised")
	}
	var out Totals
	var total, mean pgtype.Numeric
	const query = `SELECT COUNT(*), COALESCE(SUM(valor), 0), COALESCE(AVG(valor), 0) FROM despesas_consolidadas`
	if err := r.db.QueryRow(ctx, query).Scan(&out.Records, &total, &mean); err != nil {
		return Totals{}, fmt.Errorf("store: totals: %w", err)
	}
	out.Total = fromNumeric(total)
	out.Mean = fromNumeric(mean)
	return out, nil
}

// Summaries returns entity summaries ordered by total descending. A positive
// limit caps the result.
func (r *Repository) Summaries(ctx context.Context, limit int) ([]ledger.EntitySummary, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("store: repository not initialised")
	}
	query := `
SELECT entity_key, registro_ans, razao_social, uf, periodos, total, media, desvio_padrao
FROM despesas_agregadas
ORDER BY total DESC, entity_key`
	args := []any{}
	if limit > 0 {
		query += `
LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: summaries: %w", err)
	}
	defer rows.Close()
	var out []ledger.EntitySummary
	for rows.Next() {
		var s ledger.EntitySummary
		var registro pgtype.Int8
		var total, mean pgtype.Numeric
		if err := rows.Scan(&s.EntityKey, &registro, &s.LegalName, &s.StateCode, &s.Periods, &total, &mean, &s.StdDevPeriod); err != nil {
			return nil, err
		}
		s.RegistryNumber = registryValue(registro)
		s.TotalAmount = fromNumeric(total)
		s.MeanPerPeriod = fromNumeric(mean)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Snapshot serves the persisted operators as a registry snapshot.
func (r *Repository) Snapshot(ctx context.Context) ([]ledger.RegistryEntity, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("store: repository not initialised")
	}
	rows, err := r.db.Query(ctx, `SELECT registro_ans, cnpj, razao_social, uf, modalidade FROM operadoras ORDER BY registro_ans`)
	if err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}
	defer rows.Close()
	var out []ledger.RegistryEntity
	for rows.Next() {
		e, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryPeriodTotals(ctx context.Context, q dbtx, years []int) ([]ledger.PeriodTotal, error) {
	query := `
SELECT entity_key, registro_ans, razao_social, uf, ano, trimestre, total
FROM despesas_trimestrais`
	args := []any{}
	if len(years) > 0 {
		query += `
WHERE ano = ANY($1)`
		args = append(args, years)
	}
	query += `
ORDER BY entity_key, uf, ano, trimestre`
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: period totals: %w", err)
	}
	return collectPeriodTotals(rows)
}

func collectPeriodTotals(rows pgx.Rows) ([]ledger.PeriodTotal, error) {
	defer rows.Close()
	var out []ledger.PeriodTotal
	for rows.Next() {
		var pt ledger.PeriodTotal
		var registro pgtype.Int8
		var quarter int16
		var total pgtype.Numeric
		if err := rows.Scan(&pt.EntityKey, &registro, &pt.LegalName, &pt.StateCode, &pt.Year, &quarter, &total); err != nil {
			return nil, err
		}
		pt.RegistryNumber = registryValue(registro)
		pt.Quarter = int(quarter)
		pt.Total = fromNumeric(total)
		out = append(out, pt)
	}
	return out, rows.Err()
}

func scanOperator(row pgx.Row) (ledger.RegistryEntity, error) {
	var e ledger.RegistryEntity
	if err := row.Scan(&e.RegistryNumber, &e.TaxID, &e.LegalName, &e.StateCode, &e.Modality); err != nil {
		return ledger.RegistryEntity{}, err
	}
	return e, nil
}
