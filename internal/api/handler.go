package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/ansledger/internal/ledger/rollup"
	"github.com/odyssey-erp/ansledger/internal/platform/httpx"
)

const (
	writeRateLimit  = 30
	writeRateWindow = time.Minute
)

// Handler exposes the query endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler builds the HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers the API endpoints. Writes share a per-client rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(writeRateLimit, writeRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)
	r.Get("/operadoras", h.handleListOperators)
	r.Get("/operadoras/{key}", h.handleGetOperator)
	r.Get("/operadoras/{key}/despesas", h.handleExpenseHistory)
	r.Get("/estatisticas", h.handleStatistics)
	r.Get("/estatisticas/uf", h.handleByState)
	r.Get("/estatisticas/crescimento", h.handleGrowth)
	r.Get("/ingestoes", h.handleRuns)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/operadoras", h.handleCreateOperator)
		gr.Put("/operadoras/{key}", h.handleUpdateOperator)
		gr.Delete("/operadoras/{key}", h.handleDeleteOperator)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleListOperators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	out, err := h.service.ListOperators(r.Context(), page, limit, q.Get("busca"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	op, err := h.service.GetOperator(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, op)
}

func (h *Handler) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var in OperatorInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, fmt.Errorf("decode operator: %w", httpx.ErrValidation))
		return
	}
	op, err := h.service.CreateOperator(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, op)
}

func (h *Handler) handleUpdateOperator(w http.ResponseWriter, r *http.Request) {
	var in OperatorUpdate
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, fmt.Errorf("decode operator: %w", httpx.ErrValidation))
		return
	}
	op, err := h.service.UpdateOperator(r.Context(), chi.URLParam(r, "key"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, op)
}

func (h *Handler) handleDeleteOperator(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteOperator(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleExpenseHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.ExpenseHistory(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, history)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) handleByState(w http.ResponseWriter, r *http.Request) {
	states, err := h.service.ByState(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if states == nil {
		states = []rollup.StateSummary{}
	}
	httpx.JSON(w, http.StatusOK, states)
}

// handleGrowth reads ?base=2023&anos=2024,2025.
func (h *Handler) handleGrowth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, err := strconv.Atoi(q.Get("base"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("base year: %w", httpx.ErrValidation))
		return
	}
	var later []int
	for _, raw := range strings.Split(q.Get("anos"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		y, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("year %q: %w", raw, httpx.ErrValidation))
			return
		}
		later = append(later, y)
	}
	entries, err := h.service.Growth(r.Context(), base, later)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []rollup.GrowthEntry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.service.Runs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, runs)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("api request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
