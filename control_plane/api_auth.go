package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/logging"
	"github.com/itskum47/adpilot/control_plane/middleware"
	"github.com/itskum47/adpilot/control_plane/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access    string `json:"access"`
	ExpiresAt int64  `json:"expires_at"`
	Role      string `json:"role"`
}

// handleLogin exchanges credentials for an access token. Unknown email,
// wrong password and inactive users all look the same to the caller.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		a.writeError(w, r, fmt.Errorf("email and password are required: %w", store.ErrValidation))
		return
	}

	invalid := fmt.Errorf("invalid credentials: %w", store.ErrUnauthorized)
	u, err := a.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, r, invalid)
			return
		}
		a.writeError(w, r, err)
		return
	}
	if !u.IsActive || !auth.CheckPassword(u.PasswordHash, req.Password) {
		a.writeError(w, r, invalid)
		return
	}

	token, exp, err := a.tokens.GenerateToken(u.ID, u.Email, u.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	l := logging.FromContext(r.Context())
	l.Info().Str("user_id", u.ID).Msg("operator logged in")
	writeJSON(w, http.StatusOK, loginResponse{Access: token, ExpiresAt: exp.Unix(), Role: u.Role})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	u, err := a.store.GetUser(r.Context(), p.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type createUserRequest struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		a.writeError(w, r, fmt.Errorf("a valid email is required: %w", store.ErrValidation))
		return
	}
	role := strings.ToUpper(req.Role)
	switch role {
	case "":
		role = store.RoleUser
	case store.RoleUser, store.RoleAdmin:
	default:
		a.writeError(w, r, fmt.Errorf("role must be USER or ADMIN: %w", store.ErrValidation))
		return
	}
	if err := auth.CheckPasswordPolicy(req.Password); err != nil {
		a.writeError(w, r, fmt.Errorf("%v: %w", err, store.ErrValidation))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	u := &store.User{
		ID:           req.ID,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := a.store.CreateUser(r.Context(), u); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	if p, err := middleware.GetPrincipalFromContext(r.Context()); err == nil && p.UserID == id {
		a.writeError(w, r, fmt.Errorf("cannot delete your own user: %w", store.ErrValidation))
		return
	}
	if err := a.store.DeleteUser(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}
