package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/mathtrainer/internal/i18n"
)

// requireAdminToken is middleware that checks the bearer token of admin
// requests against the configured one.
func (h *Handler) requireAdminToken(next http.Handler) http.Handler {
	want := []byte(h.config.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			slog.Warn("admin token rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			// Unknown admin paths look the same as a bad token.
			writeJSON(w, http.StatusNotFound, errorBody(i18n.T(r.Context(), "ErrNotFound")))
			return
		}
		next.ServeHTTP(w, r)
	})
}
