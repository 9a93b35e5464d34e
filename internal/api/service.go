// Package api serves the consolidated ledger over a JSON HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/rollup"
	"github.com/odyssey-erp/ansledger/internal/platform/httpx"
	"github.com/odyssey-erp/ansledger/internal/store"
)

// TopEntities is the size of the statistics and growth rankings.
const TopEntities = 5

// Repository exposes the store queries the API relies on.
type Repository interface {
	ListOperators(ctx context.Context, filter store.OperatorFilter) ([]ledger.RegistryEntity, int, error)
	GetOperator(ctx context.Context, key string) (ledger.RegistryEntity, error)
	CreateOperator(ctx context.Context, e ledger.RegistryEntity) error
	UpdateOperator(ctx context.Context, key string, e ledger.RegistryEntity) error
	DeleteOperator(ctx context.Context, key string) error
	ExpenseHistory(ctx context.Context, key string) ([]ledger.PeriodTotal, error)
	PeriodTotals(ctx context.Context, years []int) ([]ledger.PeriodTotal, error)
	Totals(ctx context.Context) (store.Totals, error)
	Summaries(ctx context.Context, limit int) ([]ledger.EntitySummary, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// Statistics is the cached overview served at /estatisticas.
type Statistics struct {
	Records      int                    `json:"registros"`
	Total        decimal.Decimal        `json:"total_despesas"`
	Mean         decimal.Decimal        `json:"media_despesas"`
	TopOperators []ledger.EntitySummary `json:"top_operadoras"`
}

// OperatorPage is one page of the operator listing.
type OperatorPage struct {
	Data       []ledger.RegistryEntity `json:"data"`
	Pagination Pagination              `json:"pagination"`
}

// Service coordinates store queries with the cache layer.
type Service struct {
	repo  Repository
	cache *Cache
}

// NewService wires a Repository with a Cache helper.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// ListOperators pages through operators.
func (s *Service) ListOperators(ctx context.Context, page, perPage int, search string) (OperatorPage, error) {
	p := NewPagination(page, perPage, 0)
	data, total, err := s.repo.ListOperators(ctx, store.OperatorFilter{Search: search, Limit: p.PerPage, Offset: p.Offset()})
	if err != nil {
		return OperatorPage{}, err
	}
	return OperatorPage{Data: data, Pagination: NewPagination(p.Page, p.PerPage, total)}, nil
}

// GetOperator resolves an operator by CNPJ or registro_ans.
func (s *Service) GetOperator(ctx context.Context, key string) (ledger.RegistryEntity, error) {
	op, err := s.repo.GetOperator(ctx, key)
	return op, mapStoreError(err)
}

// CreateOperator validates and inserts a new operator.
func (s *Service) CreateOperator(ctx context.Context, in OperatorInput) (ledger.RegistryEntity, error) {
	if err := validateOperator(in); err != nil {
		return ledger.RegistryEntity{}, err
	}
	e := in.entity()
	if err := s.repo.CreateOperator(ctx, e); err != nil {
		return ledger.RegistryEntity{}, mapStoreError(err)
	}
	return e, s.cache.Bump(ctx)
}

// UpdateOperator rewrites the descriptive fields of an operator.
func (s *Service) UpdateOperator(ctx context.Context, key string, in OperatorUpdate) (ledger.RegistryEntity, error) {
	if err := validateOperator(in); err != nil {
		return ledger.RegistryEntity{}, err
	}
	e := ledger.RegistryEntity{LegalName: strings.TrimSpace(in.LegalName), StateCode: strings.ToUpper(strings.TrimSpace(in.StateCode)), Modality: strings.TrimSpace(in.Modality)}
	if err := s.repo.UpdateOperator(ctx, key, e); err != nil {
		return ledger.RegistryEntity{}, mapStoreError(err)
	}
	if err := s.cache.Bump(ctx); err != nil {
		return ledger.RegistryEntity{}, err
	}
	return s.GetOperator(ctx, key)
}

// DeleteOperator removes an operator.
func (s *Service) DeleteOperator(ctx context.Context, key string) error {
	if err := s.repo.DeleteOperator(ctx, key); err != nil {
		return mapStoreError(err)
	}
	return s.cache.Bump(ctx)
}

// ExpenseHistory lists the quarterly totals of an operator, newest first.
func (s *Service) ExpenseHistory(ctx context.Context, key string) ([]ledger.PeriodTotal, error) {
	history, err := s.repo.ExpenseHistory(ctx, key)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if history == nil {
		history = []ledger.PeriodTotal{}
	}
	return history, nil
}

// Statistics returns totals and the top operators by spend.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	key, err := s.cache.BuildKey(ctx, "estatisticas")
	if err != nil {
		return Statistics{}, err
	}
	var out Statistics
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		totals, err := s.repo.Totals(ctx)
		if err != nil {
			return nil, err
		}
		top, err := s.repo.Summaries(ctx, TopEntities)
		if err != nil {
			return nil, err
		}
		if top == nil {
			top = []ledger.EntitySummary{}
		}
		return Statistics{Records: totals.Records, Total: totals.Total, Mean: totals.Mean, TopOperators: top}, nil
	})
	return out, err
}

// ByState distributes entity spend per state.
func (s *Service) ByState(ctx context.Context) ([]rollup.StateSummary, error) {
	key, err := s.cache.BuildKey(ctx, "estatisticas", "uf")
	if err != nil {
		return nil, err
	}
	var out []rollup.StateSummary
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		summaries, err := s.repo.Summaries(ctx, 0)
		if err != nil {
			return nil, err
		}
		return rollup.ByState(summaries), nil
	})
	return out, err
}

// Growth ranks operators by spend growth from base year to the later years.
func (s *Service) Growth(ctx context.Context, base int, later []int) ([]rollup.GrowthEntry, error) {
	if base <= 0 || len(later) == 0 {
		return nil, fmt.Errorf("growth needs a base year and later years: %w", httpx.ErrValidation)
	}
	for _, y := range later {
		if y <= base {
			return nil, fmt.Errorf("later year %d must follow base year %d: %w", y, base, httpx.ErrValidation)
		}
	}
	parts := []string{"crescimento", strconv.Itoa(base)}
	for _, y := range later {
		parts = append(parts, strconv.Itoa(y))
	}
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		return nil, err
	}
	var out []rollup.GrowthEntry
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		totals, err := s.repo.PeriodTotals(ctx, append([]int{base}, later...))
		if err != nil {
			return nil, err
		}
		return rollup.Growth(totals, base, later, TopEntities), nil
	})
	return out, err
}

// Runs lists recent ingest runs.
func (s *Service) Runs(ctx context.Context, limit int) ([]store.RunSummary, error) {
	runs, err := s.repo.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	return runs, nil
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("operadora: %w", httpx.ErrNotFound)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("operadora: %w", httpx.ErrDuplicate)
	}
	return err
}
