package projectionhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/verity/internal/docindex"
	"github.com/odyssey-erp/verity/internal/ledger"
	"github.com/odyssey-erp/verity/internal/readcache"
)

type stubLedger struct {
	balances     []ledger.BalanceRow
	entries      []ledger.Entry
	balanceCalls int
}

func (s *stubLedger) Balance(_ context.Context, _ string, customerID string) (ledger.BalanceRow, error) {
	for _, b := range s.balances {
		if b.CustomerID == customerID {
			return b, nil
		}
	}
	return ledger.BalanceRow{}, ledger.ErrNotFound
}

func (s *stubLedger) ListBalances(context.Context, string) ([]ledger.BalanceRow, error) {
	s.balanceCalls++
	return s.balances, nil
}

func (s *stubLedger) ListEntries(context.Context, string, string) ([]ledger.Entry, error) {
	return s.entries, nil
}

type stubDocuments struct {
	rows       []docindex.StoredRow
	lastFilter docindex.ListFilter
}

func (s *stubDocuments) Get(_ context.Context, _ string, id string) (docindex.StoredRow, error) {
	for _, row := range s.rows {
		if row.DocumentID == id {
			return row, nil
		}
	}
	return docindex.StoredRow{}, docindex.ErrNotFound
}

func (s *stubDocuments) List(_ context.Context, _ string, filter docindex.ListFilter) ([]docindex.StoredRow, error) {
	s.lastFilter = filter
	return s.rows, nil
}

type stubJobs struct {
	replays    []string
	rebuilds   []string
	rebuildErr error
}

func (s *stubJobs) EnqueueReplay(_ context.Context, orgID string) (*asynq.TaskInfo, error) {
	s.replays = append(s.replays, orgID)
	return &asynq.TaskInfo{ID: "task-1", Type: "projection:replay"}, nil
}

func (s *stubJobs) EnqueueRebuild(_ context.Context, orgID string) (*asynq.TaskInfo, error) {
	if s.rebuildErr != nil {
		return nil, s.rebuildErr
	}
	s.rebuilds = append(s.rebuilds, orgID)
	return &asynq.TaskInfo{ID: "task-2", Type: "projection:rebuild"}, nil
}

type fixture struct {
	router    http.Handler
	ledger    *stubLedger
	documents *stubDocuments
	jobs      *stubJobs
	cache     *readcache.Cache
}

func newFixture(t *testing.T, token string) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fx := fixture{
		ledger: &stubLedger{
			balances: []ledger.BalanceRow{{CustomerID: "c1", Balance: 300}, {CustomerID: "c2", Balance: -50}},
			entries:  []ledger.Entry{{EventID: "e1", CustomerID: "c1", Amount: 300, OccurredAt: 10, Type: ledger.EntryDebit}},
		},
		documents: &stubDocuments{rows: []docindex.StoredRow{{
			Row:         docindex.Row{DocumentID: "inv-1", DocumentType: docindex.DocumentInvoice, Status: docindex.StatusFinalized, OrgID: "org-1"},
			LastEventID: "e1",
		}}},
		jobs:  &stubJobs{},
		cache: readcache.New(client, time.Minute),
	}
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), fx.ledger, fx.documents, fx.jobs, fx.cache)
	r := chi.NewRouter()
	h.MountRoutes(r, token)
	fx.router = r
	return fx
}

func (fx fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	fx.router.ServeHTTP(rr, req)
	return rr
}

func TestListBalancesIsCachedUntilBump(t *testing.T) {
	fx := newFixture(t, "")

	rr := fx.do(t, http.MethodGet, "/orgs/org-1/balances", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		OrgID    string            `json:"orgId"`
		Balances []balanceResponse `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "org-1", body.OrgID)
	require.Len(t, body.Balances, 2)
	require.Equal(t, int64(-50), body.Balances[1].Balance)

	fx.do(t, http.MethodGet, "/orgs/org-1/balances", "")
	require.Equal(t, 1, fx.ledger.balanceCalls)

	require.NoError(t, fx.cache.Bump(context.Background(), "org-1"))
	fx.do(t, http.MethodGet, "/orgs/org-1/balances", "")
	require.Equal(t, 2, fx.ledger.balanceCalls)
}

func TestGetBalance(t *testing.T) {
	fx := newFixture(t, "")

	rr := fx.do(t, http.MethodGet, "/orgs/org-1/balances/c1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body balanceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, int64(300), body.Balance)

	rr = fx.do(t, http.MethodGet, "/orgs/org-1/balances/nobody", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestListEntries(t *testing.T) {
	fx := newFixture(t, "")
	rr := fx.do(t, http.MethodGet, "/orgs/org-1/customers/c1/entries", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"type":"DEBIT"`)
}

func TestListDocumentsParsesFilter(t *testing.T) {
	fx := newFixture(t, "")

	rr := fx.do(t, http.MethodGet, "/orgs/org-1/documents?type=invoice&status=finalized&customer=c1&limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, docindex.ListFilter{
		DocumentType: docindex.DocumentInvoice,
		Status:       docindex.StatusFinalized,
		CustomerID:   "c1",
		Limit:        5,
	}, fx.documents.lastFilter)
	require.Contains(t, rr.Body.String(), `"documentId":"inv-1"`)
	require.Contains(t, rr.Body.String(), `"lastEventId":"e1"`)

	rr = fx.do(t, http.MethodGet, "/orgs/org-1/documents?type=receipt", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = fx.do(t, http.MethodGet, "/orgs/org-1/documents?limit=0", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetDocumentNotFound(t *testing.T) {
	fx := newFixture(t, "")
	rr := fx.do(t, http.MethodGet, "/orgs/org-1/documents/missing", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTriggersRequireToken(t *testing.T) {
	fx := newFixture(t, "s3cret")

	rr := fx.do(t, http.MethodPost, "/orgs/org-1/replay", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = fx.do(t, http.MethodPost, "/orgs/org-1/replay", "wrong")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, fx.jobs.replays)

	rr = fx.do(t, http.MethodPost, "/orgs/org-1/replay", "s3cret")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []string{"org-1"}, fx.jobs.replays)

	rr = fx.do(t, http.MethodPost, "/orgs/org-1/rebuild", "s3cret")
	require.Equal(t, http.StatusAccepted, rr.Code)
	var body taskResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "task-2", body.TaskID)
	require.Equal(t, []string{"org-1"}, fx.jobs.rebuilds)
}

func TestDuplicateRebuildConflicts(t *testing.T) {
	fx := newFixture(t, "s3cret")
	fx.jobs.rebuildErr = asynq.ErrDuplicateTask

	rr := fx.do(t, http.MethodPost, "/orgs/org-1/rebuild", "s3cret")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), `"code":"conflict"`)
	require.Empty(t, fx.jobs.rebuilds)
}

func TestTriggersNotMountedWithoutToken(t *testing.T) {
	fx := newFixture(t, "")
	rr := fx.do(t, http.MethodPost, "/orgs/org-1/replay", "anything")
	require.NotEqual(t, http.StatusAccepted, rr.Code)
	require.Empty(t, fx.jobs.replays)
}
