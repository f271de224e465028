package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth guards publisher connections with a shared token. The token is
// read from the "token" query parameter, which browsers can set on a
// websocket URL, or from an "Authorization: Bearer" header.
type TokenAuth struct {
	token string
}

func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: token}
}

// Enabled reports whether a token is required
func (a *TokenAuth) Enabled() bool {
	return a != nil && a.token != ""
}

func (a *TokenAuth) Authorize(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Middleware rejects unauthorized requests before they reach next
func (a *TokenAuth) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authorize(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
