package httpapi

import (
	"net/http"
	"time"

	sessionbroker "github.com/ashvell/sessionbroker"
)

// setRefreshCookie binds the refresh credential to the browser. HttpOnly is
// non-negotiable: script-readable refresh material would defeat the hybrid
// design.
func setRefreshCookie(w http.ResponseWriter, cfg sessionbroker.CookieConfig, credential string, lifetime time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    credential,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   int(lifetime.Seconds()),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	})
}

func clearRefreshCookie(w http.ResponseWriter, cfg sessionbroker.CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   -1,
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: cfg.SameSite,
	})
}
