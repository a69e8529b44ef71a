package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/costwatchdog/engine/internal/httpport"
)

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type listEntry struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id,omitempty"`
	APIKeyID   string `json:"api_key_id,omitempty"`
	Action     string `json:"action"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpport.ParseOffsetParams(r)
	if err != nil {
		httpport.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rows, err := h.pool.Query(r.Context(), `
		SELECT id, user_id, api_key_id, action, resource, resource_id, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	var entries []listEntry
	for rows.Next() {
		var e listEntry
		var id uuid.UUID
		var userID, apiKeyID, resourceID *uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&id, &userID, &apiKeyID, &e.Action, &e.Resource, &resourceID, &createdAt); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			continue
		}
		e.ID = id.String()
		if userID != nil {
			e.UserID = userID.String()
		}
		if apiKeyID != nil {
			e.APIKeyID = apiKeyID.String()
		}
		if resourceID != nil {
			e.ResourceID = resourceID.String()
		}
		e.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("iterating audit log rows", "error", err)
		httpport.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpport.Respond(w, http.StatusOK, entries)
}
