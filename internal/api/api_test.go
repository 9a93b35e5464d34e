package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ansledger/internal/ledger"
	"github.com/odyssey-erp/ansledger/internal/ledger/rollup"
	"github.com/odyssey-erp/ansledger/internal/store"
)

type stubRepo struct {
	operators    map[string]ledger.RegistryEntity
	history      []ledger.PeriodTotal
	totals       []ledger.PeriodTotal
	summaries    []ledger.EntitySummary
	runs         []store.RunSummary
	totalsCalls  int
	summaryCalls int
	lastFilter   store.OperatorFilter
	lastYears    []int
}

func newStubRepo() *stubRepo {
	return &stubRepo{operators: map[string]ledger.RegistryEntity{
		"11444777000161": {TaxID: "11444777000161", RegistryNumber: 326305, LegalName: "ACME", StateCode: "SP"},
	}}
}

func (s *stubRepo) ListOperators(ctx context.Context, filter store.OperatorFilter) ([]ledger.RegistryEntity, int, error) {
	s.lastFilter = filter
	var out []ledger.RegistryEntity
	for _, op := range s.operators {
		out = append(out, op)
	}
	return out, len(out), nil
}

func (s *stubRepo) GetOperator(ctx context.Context, key string) (ledger.RegistryEntity, error) {
	op, ok := s.operators[key]
	if !ok {
		return ledger.RegistryEntity{}, store.ErrNotFound
	}
	return op, nil
}

func (s *stubRepo) CreateOperator(ctx context.Context, e ledger.RegistryEntity) error {
	if _, ok := s.operators[e.TaxID]; ok {
		return store.ErrDuplicate
	}
	s.operators[e.TaxID] = e
	return nil
}

func (s *stubRepo) UpdateOperator(ctx context.Context, key string, e ledger.RegistryEntity) error {
	op, ok := s.operators[key]
	if !ok {
		return store.ErrNotFound
	}
	op.LegalName, op.StateCode, op.Modality = e.LegalName, e.StateCode, e.Modality
	s.operators[key] = op
	return nil
}

func (s *stubRepo) DeleteOperator(ctx context.Context, key string) error {
	if _, ok := s.operators[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.operators, key)
	return nil
}

func (s *stubRepo) ExpenseHistory(ctx context.Context, key string) ([]ledger.PeriodTotal, error) {
	if _, ok := s.operators[key]; !ok {
		return nil, store.ErrNotFound
	}
	return s.history, nil
}

func (s *stubRepo) PeriodTotals(ctx context.Context, years []int) ([]ledger.PeriodTotal, error) {
	s.lastYears = years
	return s.totals, nil
}

func (s *stubRepo) Totals(ctx context.Context) (store.Totals, error) {
	s.totalsCalls++
	return store.Totals{Records: 3, Total: decimal.NewFromInt(600), Mean: decimal.NewFromInt(200)}, nil
}

func (s *stubRepo) Summaries(ctx context.Context, limit int) ([]ledger.EntitySummary, error) {
	s.summaryCalls++
	if limit > 0 && limit < len(s.summaries) {
		return s.summaries[:limit], nil
	}
	return s.summaries, nil
}

func (s *stubRepo) ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error) {
	return s.runs, nil
}

func newTestServer(t *testing.T, repo *stubRepo) (*Service, http.Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewService(repo, NewCache(client, time.Minute))
	r := chi.NewRouter()
	r.Route("/api", NewHandler(svc, nil).MountRoutes)
	return svc, r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatisticsCachedUntilBump(t *testing.T) {
	repo := newStubRepo()
	repo.summaries = []ledger.EntitySummary{
		{EntityKey: "1", LegalName: "A", TotalAmount: decimal.NewFromInt(400)},
		{EntityKey: "2", LegalName: "B", TotalAmount: decimal.NewFromInt(200)},
	}
	svc, _ := newTestServer(t, repo)
	ctx := context.Background()

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Records)
	assert.True(t, stats.Total.Equal(decimal.NewFromInt(600)))
	require.Len(t, stats.TopOperators, 2)

	_, err = svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.totalsCalls)

	require.NoError(t, svc.cache.Bump(ctx))
	_, err = svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.totalsCalls)
}

func TestOperatorCRUD(t *testing.T) {
	repo := newStubRepo()
	_, h := newTestServer(t, repo)

	rec := do(t, h, http.MethodGet, "/api/operadoras/11444777000161", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var op ledger.RegistryEntity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(t, "ACME", op.LegalName)

	rec = do(t, h, http.MethodGet, "/api/operadoras/00000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	created := OperatorInput{TaxID: "11.222.333/0001-81", RegistryNumber: 412, LegalName: " Beta ", StateCode: "rj"}
	rec = do(t, h, http.MethodPost, "/api/operadoras", created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "RJ", repo.operators["11222333000181"].StateCode)
	assert.Equal(t, "Beta", repo.operators["11222333000181"].LegalName)

	rec = do(t, h, http.MethodPost, "/api/operadoras", created)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/operadoras/11222333000181", OperatorUpdate{LegalName: "Beta Saude", StateCode: "RJ"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Beta Saude", repo.operators["11222333000181"].LegalName)

	rec = do(t, h, http.MethodDelete, "/api/operadoras/11222333000181", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/operadoras/11222333000181", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateOperatorValidation(t *testing.T) {
	_, h := newTestServer(t, newStubRepo())

	rec := do(t, h, http.MethodPost, "/api/operadoras", OperatorInput{TaxID: "11444777000162", RegistryNumber: 1, LegalName: "X"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem struct {
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "cnpj", problem.Errors["cnpj"])

	rec = do(t, h, http.MethodPost, "/api/operadoras", OperatorInput{TaxID: "11444777000161", LegalName: "", StateCode: "SAO"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Contains(t, problem.Errors, "razao_social")
	assert.Contains(t, problem.Errors, "registro_ans")
	assert.Contains(t, problem.Errors, "uf")

	req := httptest.NewRequest(http.MethodPost, "/api/operadoras", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOperatorsPagination(t *testing.T) {
	repo := newStubRepo()
	_, h := newTestServer(t, repo)

	rec := do(t, h, http.MethodGet, "/api/operadoras?page=3&limit=500&busca=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.OperatorFilter{Search: "acme", Limit: MaxPerPage, Offset: 2 * MaxPerPage}, repo.lastFilter)

	var page OperatorPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Pagination.Total)
	assert.Equal(t, 3, page.Pagination.Page)
}

func TestExpenseHistory(t *testing.T) {
	repo := newStubRepo()
	repo.history = []ledger.PeriodTotal{
		{Year: 2024, Quarter: 2, Total: decimal.NewFromInt(300)},
		{Year: 2024, Quarter: 1, Total: decimal.NewFromInt(100)},
	}
	_, h := newTestServer(t, repo)

	rec := do(t, h, http.MethodGet, "/api/operadoras/11444777000161/despesas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []ledger.PeriodTotal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Quarter)

	rec = do(t, h, http.MethodGet, "/api/operadoras/1/despesas", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrowthAndStates(t *testing.T) {
	repo := newStubRepo()
	repo.totals = []ledger.PeriodTotal{
		{EntityKey: "1", LegalName: "A", StateCode: "SP", Year: 2023, Quarter: 1, Total: decimal.NewFromInt(100)},
		{EntityKey: "1", LegalName: "A", StateCode: "SP", Year: 2024, Quarter: 1, Total: decimal.NewFromInt(150)},
	}
	repo.summaries = []ledger.EntitySummary{
		{EntityKey: "1", StateCode: "SP", TotalAmount: decimal.NewFromInt(250)},
		{EntityKey: "2", StateCode: "RJ", TotalAmount: decimal.NewFromInt(50)},
	}
	_, h := newTestServer(t, repo)

	rec := do(t, h, http.MethodGet, "/api/estatisticas/crescimento?base=2023&anos=2024", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var growth []rollup.GrowthEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &growth))
	require.Len(t, growth, 1)
	assert.InDelta(t, 50.0, growth[0].Percent, 1e-9)
	assert.Equal(t, []int{2023, 2024}, repo.lastYears)

	rec = do(t, h, http.MethodGet, "/api/estatisticas/crescimento?base=2024&anos=2023", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/estatisticas/crescimento?base=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/estatisticas/uf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []rollup.StateSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 2)
	assert.Equal(t, "SP", states[0].StateCode)
}

func TestRunsEmptyList(t *testing.T) {
	_, h := newTestServer(t, newStubRepo())
	rec := do(t, h, http.MethodGet, "/api/ingestoes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestPagination(t *testing.T) {
	p := NewPagination(0, 0, 25)
	assert.Equal(t, Pagination{Page: 1, PerPage: 10, Total: 25, TotalPages: 3}, p)
	assert.Equal(t, 0, p.Offset())
	assert.Equal(t, 20, NewPagination(3, 10, 25).Offset())
}
