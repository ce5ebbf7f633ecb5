package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"remind/internal/auth"
)

type AuthHandler struct {
	Clients auth.Clients
	JWT     *auth.JWT
}

type tokenReq struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Token exchanges API client credentials for a bearer token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" || req.ClientSecret == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	cl, err := h.Clients.Authenticate(req.ClientID, req.ClientSecret)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, exp, err := h.JWT.Sign(cl.ID, cl.Role)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": exp.UTC().Format(time.RFC3339),
		"role":       cl.Role,
	})
}
