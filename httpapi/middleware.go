package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sessionbroker "github.com/ashvell/sessionbroker"
)

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware assigns every request a correlation id. A client-sent
// X-Request-Id is honored so callers can stitch their own traces; the id is
// echoed on the response and attached to the request context for the broker
// and the logger.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := sessionbroker.WithRequestID(r.Context(), requestID)
		ctx = sessionbroker.WithClientIP(ctx, clientIP(r))
		ctx = sessionbroker.WithUserAgent(ctx, r.UserAgent())

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", sessionbroker.RequestIDFromContext(r.Context())),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered in handler",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", sessionbroker.RequestIDFromContext(r.Context())),
				)
				writeEnvelope(w, http.StatusInternalServerError, CodeInternalError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const maxRequestBodySize = 1 << 20

func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

const csrfHeader = "X-CSRF-Token"

// csrfMiddleware enforces the double-submit check on cookie-bearing
// mutations. Requests without the refresh cookie pass through: they carry no
// ambient credential for a cross-site page to ride on, and the handler will
// reject them on its own terms.
func (s *Server) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cookie.Name)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		err = s.broker.CheckCSRF(r.Context(), cookie.Value, r.Header.Get(csrfHeader))
		switch {
		case err == nil:
			// Token verified against the live session.
		case errors.Is(err, sessionbroker.ErrRefreshInvalid):
			// Dead or garbled credential: nothing left to protect. The
			// handler will reject or no-op on its own terms.
		default:
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
