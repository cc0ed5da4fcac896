package web

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xtrntr/stockmarket/internal/session"
)

// CSRFHeader may carry the token instead of the csrf_token form field.
const CSRFHeader = "X-CSRF-Token"

// RequireTrader lets a request through only when its session holds a
// trader; anyone else is sent to the login page.
func (h *Handler) RequireTrader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if sess == nil || !sess.Authenticated() {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// VerifyCSRF rejects state-changing requests that do not echo the session's
// CSRF token. It must run after the session middleware.
func (h *Handler) VerifyCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		sess := session.FromContext(r.Context())
		token := r.Header.Get(CSRFHeader)
		if token == "" {
			token = r.PostFormValue("csrf_token")
		}
		if sess == nil || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
			h.Metrics.CSRFRejections.Add(1)
			h.Logger.Info("rejected request without valid csrf token",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()))
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogRequests logs every request once it has been served and records it in
// the request metrics.
func (h *Handler) LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			h.Metrics.Requests.With("method", r.Method, "route", route, "status", strconv.Itoa(status)).Add(1)
			h.Metrics.RequestDuration.With("method", r.Method, "route", route).Observe(elapsed.Seconds())
			h.Logger.Debug("served request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
