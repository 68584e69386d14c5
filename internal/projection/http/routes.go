package projectionhttp

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/verity/internal/platform/httpx"
)

// MountRoutes registers projection endpoints under /orgs/{orgID}. Trigger
// endpoints require adminToken as a bearer token and are not mounted when
// it is empty.
func (h *Handler) MountRoutes(r chi.Router, adminToken string) {
	if h == nil {
		return
	}
	r.Route("/orgs/{orgID}", func(r chi.Router) {
		r.Get("/balances", h.handleListBalances)
		r.Get("/balances/{customerID}", h.handleGetBalance)
		r.Get("/customers/{customerID}/entries", h.handleListEntries)
		r.Get("/documents", h.handleListDocuments)
		r.Get("/documents/{documentID}", h.handleGetDocument)

		if adminToken == "" {
			return
		}
		r.Group(func(gr chi.Router) {
			gr.Use(requireBearer(adminToken))
			gr.Use(httprate.Limit(6, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "projection triggers are rate limited")
				}),
			))
			gr.Post("/replay", h.handleReplay)
			gr.Post("/rebuild", h.handleRebuild)
		})
	})
}

func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
