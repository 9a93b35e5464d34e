// Package store persists ingest runs and serves the query API from PostgreSQL.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger/cnpj"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound indicates the requested operator or run is missing.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate indicates an operator with the same CNPJ or registro already exists.
	ErrDuplicate = errors.New("store: record already exists")
)

// registryDigits is the longest registro_ans the regulator issues; longer
// keys are treated as CNPJs.
const registryDigits = 6

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Repository provides persistence helpers for ledger workloads.
type Repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs a repository on top of the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// EnsureSchema creates the ledger tables when missing. It is safe to call on every start.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("store: repository not initialised")
	}
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// operatorKey resolves a path key into the column and value used to look an
// operator up: short numbers are registro_ans, longer ones padded CNPJs.
func operatorKey(key string) (string, any, error) {
	digits := cnpj.Clean(key)
	switch {
	case digits == "":
		return "", nil, ErrNotFound
	case len(digits) > registryDigits:
		if len(digits) > cnpj.Length {
			return "", nil, ErrNotFound
		}
		return "cnpj", cnpj.Pad(digits), nil
	default:
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return "", nil, ErrNotFound
		}
		return "registro_ans", n, nil
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).Set(n.Int), n.Exp)
}

func registryParam(n int64) pgtype.Int8 {
	return pgtype.Int8{Int64: n, Valid: n > 0}
}

func registryValue(n pgtype.Int8) int64 {
	if !n.Valid {
		return 0
	}
	return n.Int64
}
