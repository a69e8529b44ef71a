package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/costwatchdog/engine/internal/config"
	"github.com/costwatchdog/engine/internal/httpport"
)

// Handler provides HTTP handlers for login, refresh, logout, /me, and MFA
// enrollment. It mounts no API key management routes.
type Handler struct {
	service *Service
	mfa     *MFAStore
	apiKeys *APIKeyStore
	csrf    *CSRFManager
	cfg     *config.Config
	logger  *slog.Logger
}

// NewHandler creates an auth Handler.
func NewHandler(service *Service, mfa *MFAStore, apiKeys *APIKeyStore, csrf *CSRFManager, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{service: service, mfa: mfa, apiKeys: apiKeys, csrf: csrf, cfg: cfg, logger: logger}
}

// Routes returns a chi.Router with every auth endpoint mounted. The caller
// mounts this unauthenticated at /auth; Routes itself wraps /logout,
// /logout-all, /me and the /mfa routes in requireAuth, while login/refresh
// stay open since they precede having any identity at all.
func (h *Handler) Routes(requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/logout", h.handleLogout)
		r.Post("/logout-all", h.handleLogoutAll)
		r.Get("/me", h.handleMe)
		r.Post("/mfa/enroll", h.handleMFABeginEnroll)
		r.Post("/mfa/confirm", h.handleMFAConfirm)
		r.Post("/mfa/disable", h.handleMFADisable)
	})

	return r
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondLoginErr(w, err)
		return
	}

	h.writeLoginResult(w, r, result)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken" validate:"required"`
	}
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondLoginErr(w, err)
		return
	}

	h.writeLoginResult(w, r, result)
}

func (h *Handler) writeLoginResult(w http.ResponseWriter, r *http.Request, result LoginResult) {
	resp := loginResponse{AccessToken: result.Pair.AccessToken, RefreshToken: result.Pair.RefreshToken}
	resp.User.ID = result.User.ID.String()
	resp.User.Email = result.User.Email
	resp.User.Role = result.User.Role

	if h.csrf != nil {
		token := h.csrf.Issue(result.Pair.JTI)
		http.SetCookie(w, &http.Cookie{
			Name: "csrf_token", Value: token, Path: "/", HttpOnly: false,
			Secure: h.cfg.IsProduction(), SameSite: http.SameSiteStrictMode, Expires: time.Now().Add(csrfTokenTTL),
		})
	}

	httpport.Respond(w, http.StatusOK, resp)
}

func (h *Handler) respondLoginErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMFARequired):
		httpport.RespondError(w, http.StatusUnauthorized, "mfa_required", "a valid MFA code is required")
	case errors.Is(err, ErrAccountLocked):
		httpport.RespondError(w, http.StatusTooManyRequests, "account_locked", "account temporarily locked due to repeated failed logins")
	case errors.Is(err, ErrInvalidCredentials):
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
	default:
		h.logger.Error("login/refresh failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "authentication failed")
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if err := h.service.Logout(r.Context(), id.UserID.String(), id.JTI); err != nil {
		h.logger.Error("logout failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "logout failed")
		return
	}
	httpport.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if err := h.service.LogoutAll(r.Context(), id.UserID.String()); err != nil {
		h.logger.Error("logout-all failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "logout failed")
		return
	}
	httpport.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	httpport.Respond(w, http.StatusOK, map[string]string{
		"id": id.UserID.String(), "email": id.Email, "role": id.Role,
	})
}

func (h *Handler) handleMFABeginEnroll(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	pending, err := h.mfa.BeginEnrollment(id.Email)
	if err != nil {
		h.logger.Error("mfa enrollment failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start mfa enrollment")
		return
	}
	httpport.Respond(w, http.StatusOK, map[string]string{
		"secret": pending.Secret, "otpauthUrl": pending.OTPAuthURL,
	})
}

func (h *Handler) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	var req struct {
		Secret string `json:"secret" validate:"required"`
		Code   string `json:"code" validate:"required,len=6,numeric"`
	}
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}
	codes, err := h.mfa.ConfirmEnrollment(r.Context(), id.UserID, req.Secret, req.Code)
	if errors.Is(err, ErrInvalidCode) {
		httpport.RespondError(w, http.StatusUnauthorized, "invalid_code", "invalid verification code")
		return
	}
	if err != nil {
		h.logger.Error("mfa confirm failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to confirm mfa enrollment")
		return
	}
	httpport.Respond(w, http.StatusOK, map[string]any{"backupCodes": codes})
}

// handleMFADisable disables the caller's own MFA enrollment. There is
// deliberately no admin-initiated variant of this endpoint — spec §4.6
// forbids disabling another user's MFA, even for administrators. Per the
// same section, disabling MFA requires re-verifying the caller's password,
// and the admin role can never disable MFA at all.
func (h *Handler) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if id.Role == RoleAdmin {
		httpport.RespondError(w, http.StatusForbidden, "forbidden", "admin accounts cannot disable mfa")
		return
	}

	var req struct {
		Password string `json:"password" validate:"required"`
	}
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.VerifyCurrentPassword(r.Context(), id.Email, req.Password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid password")
			return
		}
		h.logger.Error("mfa disable password verification failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to disable mfa")
		return
	}

	if err := h.mfa.Disable(r.Context(), id.UserID); err != nil {
		h.logger.Error("mfa disable failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to disable mfa")
		return
	}
	httpport.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
