package user

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/httpport"
	"github.com/costwatchdog/engine/pkg/alertdispatch"
	"github.com/costwatchdog/engine/pkg/auth"
)

// ResetHandler serves the unauthenticated password-reset request/redeem
// flow spec §4.6 requires. It lives in pkg/user rather than pkg/auth because
// it needs user.Store.GetByEmail and Service.ChangePassword, and pkg/auth
// cannot import pkg/user without a cycle (pkg/user already imports pkg/auth
// for HashPassword/IsValidRole).
type ResetHandler struct {
	service *Service
	resets  *auth.PasswordResetStore
	session *auth.Service
	email   *alertdispatch.EmailSender
	logger  *slog.Logger
}

// NewResetHandler creates a ResetHandler. session is used only to revoke
// every active session after a successful redemption.
func NewResetHandler(service *Service, resets *auth.PasswordResetStore, session *auth.Service, email *alertdispatch.EmailSender, logger *slog.Logger) *ResetHandler {
	return &ResetHandler{service: service, resets: resets, session: session, email: email, logger: logger}
}

// Routes returns the unauthenticated /password-reset router. The caller
// mounts this without AuthMiddleware, same as /auth/login.
func (h *ResetHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/request", h.handleRequest)
	r.Post("/redeem", h.handleRedeem)
	return r
}

func (h *ResetHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email" validate:"required,email"`
	}
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}

	u, err := h.service.store.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Don't reveal whether the address has an account.
			httpport.Respond(w, http.StatusAccepted, map[string]string{"status": "ok"})
			return
		}
		h.logger.Error("password reset lookup failed", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process request")
		return
	}

	token, err := h.resets.Issue(r.Context(), u.ID)
	if err != nil {
		h.logger.Error("issuing password reset token", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process request")
		return
	}

	if err := h.email.Send(r.Context(), alertdispatch.Notification{
		Severity:  "info",
		Title:     "Password reset requested",
		Message:   "A password reset was requested for your account. Use this token within one hour: " + token,
		Recipient: u.Email,
	}); err != nil {
		h.logger.Error("sending password reset email", "error", err, "user_id", u.ID)
	}

	httpport.Respond(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *ResetHandler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token" validate:"required"`
		NewPassword string `json:"newPassword" validate:"required,min=12"`
	}
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}

	userID, err := h.resets.Redeem(r.Context(), req.Token)
	if errors.Is(err, auth.ErrResetTokenInvalid) {
		httpport.RespondError(w, http.StatusUnauthorized, "invalid_token", "reset token invalid or expired")
		return
	}
	if err != nil {
		h.logger.Error("redeeming password reset token", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to reset password")
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.NewPassword); err != nil {
		h.logger.Error("changing password after reset", "error", err, "user_id", userID)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to reset password")
		return
	}

	if err := h.session.LogoutAll(r.Context(), userID.String()); err != nil {
		h.logger.Error("revoking sessions after password reset", "error", err, "user_id", userID)
	}

	httpport.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
