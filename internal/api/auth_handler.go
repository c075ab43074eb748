package api

import (
	"net/http"

	"github.com/nmslite/agentprov/internal/auth"
)

// Authenticator issues tokens for operator credentials.
type Authenticator interface {
	Login(username, password string) (*auth.LoginResponse, error)
	ValidateToken(token string) (*auth.Claims, error)
}

type AuthHandler struct {
	auth Authenticator
}

func NewAuthHandler(a Authenticator) *AuthHandler {
	return &AuthHandler{auth: a}
}

// Login handles POST /api/v1/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[auth.LoginRequest](w, r)
	if !ok {
		return
	}

	response, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		sendError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials", nil)
		return
	}

	sendJSON(w, http.StatusOK, response)
}
