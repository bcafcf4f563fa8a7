// Package api provides the local HTTP API and web page for answering
// prompts and watching tasks.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	cookieFileName    = ".cookie"
	cookieSize        = 32
	sessionCookieName = "session"
)

// Auth holds the per-run secret shared with local clients. The CLI reads it
// from the cookie file; browsers exchange a short-lived login token for a
// session cookie.
type Auth struct {
	token    string
	filePath string
}

// NewAuth generates a fresh secret and writes it to stateDir with mode 0600.
func NewAuth(stateDir string) (*Auth, error) {
	raw := make([]byte, cookieSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	a := &Auth{
		token:    hex.EncodeToString(raw),
		filePath: filepath.Join(stateDir, cookieFileName),
	}
	if err := os.WriteFile(a.filePath, []byte(a.token), 0o600); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadAuth reads the secret a running service left in stateDir.
func LoadAuth(stateDir string) (*Auth, error) {
	path := filepath.Join(stateDir, cookieFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("empty cookie file %s", path)
	}
	return &Auth{token: token, filePath: path}, nil
}

// Token returns the shared secret.
func (a *Auth) Token() string { return a.token }

// FilePath returns the path of the cookie file.
func (a *Auth) FilePath() string { return a.filePath }

// Middleware lets a request through when it carries the session cookie or
// the secret as a bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.ValidateSession(r) {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" {
			writeError(w, "invalid Authorization header format", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateSession reports whether r carries the session cookie.
func (a *Auth) ValidateSession(r *http.Request) bool {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(a.token)) == 1
}

// SetSessionCookie stores the session cookie in the browser.
func (a *Auth) SetSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    a.token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// LoginURL returns a page URL carrying a login token. A non-empty prompt
// ID makes the page open that prompt.
func (a *Auth) LoginURL(addr, promptID string) (string, error) {
	tok, err := a.GenerateJWT()
	if err != nil {
		return "", err
	}
	q := url.Values{"token": {tok}}
	if promptID != "" {
		q.Set("prompt", promptID)
	}
	return "http://" + addr + "/?" + q.Encode(), nil
}

// HandleAuth handles POST /api/v1/auth: a valid login token buys a
// session cookie.
func (a *Auth) HandleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AuthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := a.ValidateJWT(req.Token); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	a.SetSessionCookie(w)
	writeJSON(w, ActionResponse{Status: "ok"})
}
