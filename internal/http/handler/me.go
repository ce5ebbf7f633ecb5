package handler

import (
	"net/http"

	"remind/internal/auth"
)

type MeHandler struct{}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": c.Subject,
		"role":      c.Role,
	})
}
