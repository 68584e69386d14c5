package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("customer c1: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("limit: %w", ErrValidation), http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("rebuild already queued: %w", ErrConflict), http.StatusConflict, "conflict"},
		{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Equal(t, tc.status, body.Status)
		require.Equal(t, tc.code, body.Code)
		require.Equal(t, http.StatusText(tc.status), body.Title)
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pq: password authentication failed"))
	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Empty(t, body.Detail)
}

func TestProblemDefaultsType(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusTooManyRequests, "Too Many Requests", "")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.JSONEq(t, `{"type":"about:blank","title":"Too Many Requests","status":429}`, rr.Body.String())
}
