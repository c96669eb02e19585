package httpapi

import (
	"net/http"
	"strings"

	"newsdesk.org/internal/apperr"
	"newsdesk.org/internal/audit"
	"newsdesk.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=6"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE DISABLED"`
}

type sessionResponse struct {
	User *auth.PublicUser `json:"user,omitempty"`
	auth.TokenPair
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	user, err := a.auth.Register(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{"user_id": user.ID})
	writeData(w, http.StatusCreated, "User registered successfully", map[string]any{"user": user})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	session, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login_failed", map[string]any{
			"reason": string(apperr.Classify(err).Kind),
			"client": a.proxy.ClientIP(r),
		})
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"user_id": session.User.ID})
	writeData(w, http.StatusOK, "Login successful", sessionResponse{User: &session.User, TokenPair: session.TokenPair})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Token refreshed", sessionResponse{TokenPair: pair})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		a.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Logged out", nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.auth.Me(r.Context(), principal.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{"user": user})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.auth.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_changed", nil)
	writeData(w, http.StatusOK, "Password changed successfully", nil)
}

func (a *API) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	user, err := a.auth.SetStatus(r.Context(), id, auth.Status(req.Status))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.status_changed", map[string]any{"target_user_id": id, "status": req.Status})
	writeData(w, http.StatusOK, "User status updated", map[string]any{"user": user})
}
