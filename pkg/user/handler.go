package user

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/audit"
	"github.com/costwatchdog/engine/internal/dbtx"
	"github.com/costwatchdog/engine/internal/httpport"
	"github.com/costwatchdog/engine/pkg/auth"
)

// Handler provides HTTP handlers for the users API. Account management
// (create/list/update/deactivate) is admin-only, enforced by the caller via
// auth.RequireRole; /me and /me/notification-settings are self-service.
type Handler struct {
	service *Service
	logger  *slog.Logger
	audit   *audit.Writer
}

// NewHandler creates a user Handler.
func NewHandler(db dbtx.DBTX, logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{service: NewService(db, logger), logger: logger, audit: auditWriter}
}

// Routes returns a chi.Router with the admin-only account management routes
// mounted. The caller applies auth.RequireRole(auth.RoleAdmin) around this
// router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Delete("/", h.handleDeactivate)
	})
	return r
}

// SelfServiceRoutes returns a chi.Router for the /me endpoints any
// authenticated user can call for their own account.
func (h *Handler) SelfServiceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGetSelf)
	r.Put("/notification-settings", h.handleUpdateNotificationSettings)
	return r
}

func callerID(r *http.Request) (uuid.UUID, bool) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return uuid.Nil, false
	}
	return id.UserID, true
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}
	if !auth.IsValidRole(req.Role) {
		httpport.RespondError(w, http.StatusBadRequest, "bad_request", "invalid role")
		return
	}

	resp, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("creating user", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"email": resp.Email, "role": resp.Role})
		actor, _ := callerID(r)
		h.audit.LogFromRequest(r, &actor, nil, "create", "user", resp.ID, detail)
	}

	httpport.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("listing users", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}

	httpport.Respond(w, http.StatusOK, map[string]any{
		"users": items,
		"count": len(items),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpport.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user ID")
		return
	}

	resp, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpport.RespondError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.logger.Error("getting user", "error", err, "id", id)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get user")
		return
	}

	httpport.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpport.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user ID")
		return
	}

	var req UpdateRequest
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}
	if !auth.IsValidRole(req.Role) {
		httpport.RespondError(w, http.StatusBadRequest, "bad_request", "invalid role")
		return
	}

	resp, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpport.RespondError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.logger.Error("updating user", "error", err, "id", id)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update user")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"role": resp.Role})
		actor, _ := callerID(r)
		h.audit.LogFromRequest(r, &actor, nil, "update", "user", resp.ID, detail)
	}

	httpport.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpport.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user ID")
		return
	}

	if err := h.service.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpport.RespondError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.logger.Error("deactivating user", "error", err, "id", id)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to deactivate user")
		return
	}

	if h.audit != nil {
		actor, _ := callerID(r)
		h.audit.LogFromRequest(r, &actor, nil, "deactivate", "user", id, nil)
	}

	httpport.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleGetSelf(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(r)
	if !ok {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	resp, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("getting self", "error", err, "id", id)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}

	httpport.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(r)
	if !ok {
		httpport.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req NotificationSettings
	if !httpport.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.UpdateNotificationSettings(r.Context(), id, req)
	if err != nil {
		h.logger.Error("updating notification settings", "error", err, "id", id)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update notification settings")
		return
	}

	httpport.Respond(w, http.StatusOK, resp)
}
