// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

// AuthHandler serves the browser-facing OAuth 2.1+PKCE REST endpoints:
// /auth/providers, /auth/login, /auth/callback, /auth/user, /auth/logout.
// Unlike /mcp and /manage, these are plain REST, not JSON-RPC, matching how
// a browser redirect flow is actually driven.
type AuthHandler struct {
	authplane *service.AuthPlaneService
	uiURL     string
}

// NewAuthHandler constructs an AuthHandler. uiURL is where the browser is
// redirected after a successful callback, with the minted JWT appended.
func NewAuthHandler(authplane *service.AuthPlaneService, uiURL string) *AuthHandler {
	if uiURL == "" {
		uiURL = "/"
	}
	return &AuthHandler{authplane: authplane, uiURL: uiURL}
}

// RegisterRoutes mounts the auth endpoints on mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/providers", h.providers)
	mux.HandleFunc("/auth/login", h.login)
	mux.HandleFunc("/auth/callback", h.callback)
	mux.HandleFunc("/auth/user", h.user)
	mux.HandleFunc("/auth/logout", h.logout)
}

func (h *AuthHandler) providers(w http.ResponseWriter, r *http.Request) {
	providers, err := h.authplane.ListProviders(r.Context())
	if err != nil {
		http.Error(w, "failed to list providers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	if providerID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = absoluteURL(r, "/auth/callback")
	}

	result, err := h.authplane.Initiate(r.Context(), providerID, redirectURI)
	if err != nil {
		http.Error(w, "failed to initiate login: "+err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "state and code are required", http.StatusBadRequest)
		return
	}

	result, err := h.authplane.Callback(r.Context(), state, code)
	if err != nil {
		http.Redirect(w, r, h.uiURL+"?auth_error="+url.QueryEscape(err.Error()), http.StatusFound)
		return
	}

	http.Redirect(w, r, h.uiURL+"#token="+url.QueryEscape(result.Token), http.StatusFound)
}

func (h *AuthHandler) user(w http.ResponseWriter, r *http.Request) {
	claims, ok := bearerClaims(h.authplane, r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": claims.Subject, "email": claims.Email, "name": claims.Name, "roles": claims.Roles,
	})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	_ = h.authplane.Logout(r.Context(), bearerToken(r))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func bearerClaims(authplane *service.AuthPlaneService, r *http.Request) (*crypto.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		return nil, false
	}
	claims, err := authplane.Verify(token)
	if err != nil {
		return nil, false
	}
	return claims, true
}

func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + path
}
