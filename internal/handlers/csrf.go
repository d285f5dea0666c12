package handlers

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeader     = "X-CSRF-Token"
	csrfTokenLen   = 32
	csrfMaxAge     = 12 * time.Hour
)

// Reasons a mutating request is refused
const (
	csrfNoCookie = "no token cookie"
	csrfNoHeader = "no " + csrfHeader + " header"
	csrfMismatch = "header does not match cookie"
	csrfExpired  = "unknown or expired token"
)

// csrfManager issues double-submit tokens and remembers when each expires
type csrfManager struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // token -> expiry
}

func newCSRFManager() *csrfManager {
	return &csrfManager{tokens: make(map[string]time.Time)}
}

func (m *csrfManager) generateToken() (string, error) {
	buf := make([]byte, csrfTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(buf)

	m.mu.Lock()
	m.tokens[token] = time.Now().Add(csrfMaxAge)
	m.mu.Unlock()
	return token, nil
}

func (m *csrfManager) validateToken(token string) bool {
	if token == "" {
		return false
	}
	m.mu.RLock()
	expiry, ok := m.tokens[token]
	m.mu.RUnlock()
	return ok && time.Now().Before(expiry)
}

// cleanup drops tokens expired at now and returns how many went
func (m *csrfManager) cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for token, expiry := range m.tokens {
		if now.After(expiry) {
			delete(m.tokens, token)
			removed++
		}
	}
	return removed
}

// CSRFToken handles GET /api/csrf. It returns the caller's token, issuing
// a cookie-bound one when none is valid.
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(csrfCookieName); err == nil && h.csrf.validateToken(cookie.Value) {
		h.writeJSON(w, http.StatusOK, map[string]string{"token": cookie.Value})
		return
	}

	token, err := h.csrf.generateToken()
	if err != nil {
		h.log.WithError(err).Error("failed to generate CSRF token")
		h.writeErr(w, err)
		return
	}
	h.log.WithField("remote", r.RemoteAddr).Debug("issued CSRF token")

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(csrfMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// csrfRejection returns why r fails the double-submit check, or "" when
// it passes. Safe methods and HARDLINKER_DISABLE_CSRF always pass.
func (h *Handler) csrfRejection(r *http.Request) string {
	if h.disableCSRF {
		return ""
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ""
	}

	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return csrfNoCookie
	}
	token := r.Header.Get(csrfHeader)
	switch {
	case token == "":
		return csrfNoHeader
	case subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) != 1:
		return csrfMismatch
	case !h.csrf.validateToken(token):
		return csrfExpired
	}
	return ""
}

// protect wraps a mutating handler with CSRF validation
func (h *Handler) protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reason := h.csrfRejection(r); reason != "" {
			h.log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
				"reason": reason,
			}).Warn("rejected request without valid CSRF token")
			h.writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next(w, r)
	}
}

// StartCSRFCleanup removes expired tokens every hour until ctx is done.
// Nothing is started when CSRF checks are disabled.
func (h *Handler) StartCSRFCleanup(ctx context.Context) {
	if h.disableCSRF {
		h.log.Warn("CSRF protection disabled by HARDLINKER_DISABLE_CSRF")
		return
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := h.csrf.cleanup(now); n > 0 {
					h.log.WithField("removed", n).Debug("expired CSRF tokens removed")
				}
			}
		}
	}()
}
