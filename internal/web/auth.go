package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// loginSessions holds browser login tokens issued by /api/login.
type loginSessions struct {
	ttl    time.Duration
	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
}

func newLoginSessions(ttl time.Duration) *loginSessions {
	return &loginSessions{ttl: ttl, tokens: make(map[string]time.Time)}
}

func (l *loginSessions) create() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	l.mu.Lock()
	l.tokens[token] = time.Now().Add(l.ttl)
	l.mu.Unlock()
	return token, nil
}

// refresh slides the expiry of a live token. Expired tokens are dropped.
func (l *loginSessions) refresh(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(l.tokens, token)
		return false
	}
	l.tokens[token] = time.Now().Add(l.ttl)
	return true
}

func (l *loginSessions) revoke(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tokens, token)
}

func (l *loginSessions) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for token, expiry := range l.tokens {
		if now.After(expiry) {
			delete(l.tokens, token)
			n++
		}
	}
	return n
}

func (l *loginSessions) sweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// checkAuth accepts a login cookie, a bearer token or Basic Auth carrying the
// configured password.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.loginCookieValid(w, r) {
		return true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && s.passwordMatches(token) {
		return true
	}
	if _, pass, ok := r.BasicAuth(); ok && s.passwordMatches(pass) {
		return true
	}

	jsonError(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) passwordMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Auth)) == 1
}

func (s *Server) loginCookieValid(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || !s.logins.refresh(cookie.Value) {
		return false
	}
	setLoginCookie(w, cookie.Value, int(sessionMaxAge.Seconds()))
	return true
}

// setLoginCookie writes the login cookie; a negative maxAge clears it.
func setLoginCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.logins.create()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	setLoginCookie(w, token, int(sessionMaxAge.Seconds()))
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.logins.revoke(cookie.Value)
	}
	setLoginCookie(w, "", -1)
	jsonResponse(w, map[string]string{"status": "ok"})
}

// handleAuthCheck reports whether the browser holds a live login. It answers
// 204 when no password is configured.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.loginCookieValid(w, r) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	jsonError(w, "unauthorized", http.StatusUnauthorized)
}
