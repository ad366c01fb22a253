package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"production-planner/internal/planner"
	"production-planner/internal/ratelimit"
	"production-planner/internal/telemetry"
)

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// rateLimit applies the caller's token bucket to write endpoints.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.TenantKey(tenantFromRequest(r)))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var outcomeStatus = map[string]int{
	"invalid":       http.StatusBadRequest,
	"degenerate":    http.StatusUnprocessableEntity,
	"unallocatable": http.StatusConflict,
	"not_found":     http.StatusNotFound,
	"timeout":       http.StatusServiceUnavailable,
	"invariant":     http.StatusInternalServerError,
}

// statusFor maps a planning error to its HTTP status.
func statusFor(err error) int {
	if code, ok := outcomeStatus[planner.Outcome(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
