// Package httpapi exposes the session broker over HTTP: JSON endpoints under
// /auth, the refresh credential as an HttpOnly cookie, and a double-submit
// CSRF guard on cookie-bearing mutations.
//
// Error responses always carry the {code, message, details} envelope and an
// X-Request-Id header; see errors.go for the closed code set.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"go.uber.org/zap"

	sessionbroker "github.com/ashvell/sessionbroker"
)

// Server wires broker operations to routes. Construct with New, mount
// Router() on an http.Server.
type Server struct {
	broker *sessionbroker.Broker
	logger *zap.Logger
	cookie sessionbroker.CookieConfig
}

func New(broker *sessionbroker.Broker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		broker: broker,
		logger: logger,
		cookie: broker.Config().Cookie,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		// Every state-changing route is behind the double-submit guard. The
		// guard only bites when the refresh cookie is present, so anonymous
		// sign-up/sign-in and re-login with a dead cookie still pass.
		r.Group(func(r chi.Router) {
			r.Use(s.csrfMiddleware)
			r.Post("/signup", s.handleSignUp)
			r.Post("/signin", s.handleSignIn)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
		})

		r.Get("/me", s.handleMe)
		r.Get("/me/profile", s.handleProfile)
	})

	return r
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (p credentialsPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Email, validation.Required, is.Email),
		validation.Field(&p.Password, validation.Required, validation.Length(8, 128)),
	)
}

func decodePayload(r *http.Request, v interface{ Validate() error }) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return validation.Errors{"body": errors.New("malformed JSON body")}
	}
	return v.Validate()
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := decodePayload(r, &payload); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.broker.SignUp(r.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := decodePayload(r, &payload); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.broker.SignIn(r.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	setRefreshCookie(w, s.cookie, result.RefreshCredential, s.broker.Config().Session.Lifetime)
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": result.AccessToken,
		"expiresAt":   result.AccessExpiresAt.UTC().Format(time.RFC3339),
		"csrfToken":   result.CSRFToken,
		"user":        result.User,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(s.cookie.Name)
	if err != nil || cookie.Value == "" {
		writeError(w, sessionbroker.ErrUnauthorized)
		return
	}

	result, err := s.broker.Refresh(r.Context(), cookie.Value)
	if err != nil {
		// A dead credential is useless to the browser; drop the cookie
		// along with the 401 so clients fall back to sign-in cleanly.
		if errors.Is(err, sessionbroker.ErrRefreshInvalid) || errors.Is(err, sessionbroker.ErrRefreshReuse) {
			clearRefreshCookie(w, s.cookie)
		}
		writeError(w, err)
		return
	}

	setRefreshCookie(w, s.cookie, result.RefreshCredential, s.broker.Config().Session.Lifetime)
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": result.AccessToken,
		"expiresAt":   result.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cookie.Name); err == nil && cookie.Value != "" {
		if err := s.broker.SignOut(r.Context(), cookie.Value); err != nil {
			writeError(w, err)
			return
		}
	}

	clearRefreshCookie(w, s.cookie)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, err := s.broker.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{
			"id":    principal.UserID,
			"email": principal.Email,
		},
		"expiresAt": principal.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := s.broker.Profile(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	latency, err := s.broker.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"redisLatencyMs": latency.Milliseconds(),
	})
}
