package projectionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/verity/internal/docindex"
	"github.com/odyssey-erp/verity/internal/ledger"
	"github.com/odyssey-erp/verity/internal/platform/httpx"
	"github.com/odyssey-erp/verity/internal/readcache"
)

const (
	requestTimeout   = 5 * time.Second
	defaultListLimit = 100
	maxListLimit     = 1000
)

// LedgerReader serves ledger reads.
type LedgerReader interface {
	Balance(ctx context.Context, orgID, customerID string) (ledger.BalanceRow, error)
	ListBalances(ctx context.Context, orgID string) ([]ledger.BalanceRow, error)
	ListEntries(ctx context.Context, orgID, customerID string) ([]ledger.Entry, error)
}

// DocumentReader serves document index reads.
type DocumentReader interface {
	Get(ctx context.Context, orgID, documentID string) (docindex.StoredRow, error)
	List(ctx context.Context, orgID string, filter docindex.ListFilter) ([]docindex.StoredRow, error)
}

// Enqueuer schedules projection runs.
type Enqueuer interface {
	EnqueueReplay(ctx context.Context, orgID string) (*asynq.TaskInfo, error)
	EnqueueRebuild(ctx context.Context, orgID string) (*asynq.TaskInfo, error)
}

// Handler exposes projection reads and replay triggers over HTTP.
type Handler struct {
	logger    *slog.Logger
	ledger    LedgerReader
	documents DocumentReader
	jobs      Enqueuer
	cache     *readcache.Cache
	group     singleflight.Group
}

// NewHandler constructs the projection HTTP handler. jobs may be nil, which
// disables the trigger endpoints.
func NewHandler(logger *slog.Logger, ledgerReader LedgerReader, documents DocumentReader, jobs Enqueuer, cache *readcache.Cache) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledgerReader, documents: documents, jobs: jobs, cache: cache}
}

type balanceResponse struct {
	CustomerID string    `json:"customerId"`
	Balance    int64     `json:"balance"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type entryResponse struct {
	EventID    string `json:"eventId"`
	CustomerID string `json:"customerId"`
	Amount     int64  `json:"amount"`
	OccurredAt int64  `json:"occurredAt"`
	Type       string `json:"type"`
}

type taskResponse struct {
	TaskID string `json:"taskId"`
	Type   string `json:"type"`
	OrgID  string `json:"orgId"`
}

func toBalance(row ledger.BalanceRow) balanceResponse {
	return balanceResponse{CustomerID: row.CustomerID, Balance: row.Balance, UpdatedAt: row.UpdatedAt}
}

func (h *Handler) handleListBalances(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var out []balanceResponse
	err := h.cached(r.Context(), orgID, []string{"balances"}, &out, func(ctx context.Context) (any, error) {
		rows, err := h.ledger.ListBalances(ctx, orgID)
		if err != nil {
			return nil, err
		}
		resp := make([]balanceResponse, 0, len(rows))
		for _, row := range rows {
			resp = append(resp, toBalance(row))
		}
		return resp, nil
	})
	if err != nil {
		h.respondError(w, "list balances", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orgId": orgID, "balances": out})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	customerID := chi.URLParam(r, "customerID")
	var out balanceResponse
	err := h.cached(r.Context(), orgID, []string{"balance", customerID}, &out, func(ctx context.Context) (any, error) {
		row, err := h.ledger.Balance(ctx, orgID, customerID)
		if err != nil {
			return nil, err
		}
		return toBalance(row), nil
	})
	if err != nil {
		h.respondError(w, "get balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	customerID := chi.URLParam(r, "customerID")
	var out []entryResponse
	err := h.cached(r.Context(), orgID, []string{"entries", customerID}, &out, func(ctx context.Context) (any, error) {
		entries, err := h.ledger.ListEntries(ctx, orgID, customerID)
		if err != nil {
			return nil, err
		}
		resp := make([]entryResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, entryResponse{
				EventID:    e.EventID,
				CustomerID: e.CustomerID,
				Amount:     e.Amount,
				OccurredAt: e.OccurredAt,
				Type:       string(e.Type),
			})
		}
		return resp, nil
	})
	if err != nil {
		h.respondError(w, "list entries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orgId": orgID, "customerId": customerID, "entries": out})
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	filter, err := parseListFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := []string{"documents", string(filter.DocumentType), string(filter.Status), filter.CustomerID, strconv.Itoa(filter.Limit)}
	var out []docindex.StoredRow
	err = h.cached(r.Context(), orgID, key, &out, func(ctx context.Context) (any, error) {
		return h.documents.List(ctx, orgID, filter)
	})
	if err != nil {
		h.respondError(w, "list documents", err)
		return
	}
	if out == nil {
		out = []docindex.StoredRow{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orgId": orgID, "documents": out})
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	documentID := chi.URLParam(r, "documentID")
	var out docindex.StoredRow
	err := h.cached(r.Context(), orgID, []string{"document", documentID}, &out, func(ctx context.Context) (any, error) {
		return h.documents.Get(ctx, orgID, documentID)
	})
	if err != nil {
		h.respondError(w, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, false)
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, true)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, rebuild bool) {
	if h.jobs == nil {
		httpx.RespondError(w, fmt.Errorf("job queue not configured: %w", httpx.ErrUnavailable))
		return
	}
	orgID := chi.URLParam(r, "orgID")
	var (
		info *asynq.TaskInfo
		err  error
	)
	if rebuild {
		info, err = h.jobs.EnqueueRebuild(r.Context(), orgID)
	} else {
		info, err = h.jobs.EnqueueReplay(r.Context(), orgID)
	}
	if err != nil {
		h.respondError(w, "enqueue projection task", err)
		return
	}
	h.logger.Info("projection task enqueued", slog.String("org_id", orgID), slog.String("task_id", info.ID), slog.String("type", info.Type))
	httpx.JSON(w, http.StatusAccepted, taskResponse{TaskID: info.ID, Type: info.Type, OrgID: orgID})
}

// cached serves a read through the versioned read cache. Concurrent misses
// for the same key share one store query.
func (h *Handler) cached(ctx context.Context, orgID string, parts []string, dest any, loader func(context.Context) (any, error)) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	key, err := h.cache.BuildKey(ctx, orgID, parts...)
	if err != nil {
		h.logger.Warn("read cache key", slog.Any("error", err))
		key = strings.Join(append([]string{orgID}, parts...), ":")
	}
	res, err, _ := h.group.Do(key, func() (any, error) {
		var raw json.RawMessage
		if err := h.cache.FetchJSON(ctx, key, &raw, loader); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(res.(json.RawMessage), dest)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, docindex.ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrNotFound))
	case errors.Is(err, asynq.ErrDuplicateTask):
		httpx.RespondError(w, fmt.Errorf("%s: already queued: %w", op, httpx.ErrConflict))
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn(op+" timed out", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%s timed out: %w", op, httpx.ErrUnavailable))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseListFilter(r *http.Request) (docindex.ListFilter, error) {
	q := r.URL.Query()
	filter := docindex.ListFilter{
		DocumentType: docindex.DocumentType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		Status:       docindex.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		CustomerID:   strings.TrimSpace(q.Get("customer")),
		Limit:        defaultListLimit,
	}
	switch filter.DocumentType {
	case "", docindex.DocumentInvoice, docindex.DocumentChallan:
	default:
		return filter, fmt.Errorf("unknown document type %q: %w", filter.DocumentType, httpx.ErrValidation)
	}
	switch filter.Status {
	case "", docindex.StatusFinalized, docindex.StatusIssued, docindex.StatusCancelled:
	default:
		return filter, fmt.Errorf("unknown status %q: %w", filter.Status, httpx.ErrValidation)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d: %w", maxListLimit, httpx.ErrValidation)
		}
		filter.Limit = limit
	}
	return filter, nil
}
