package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// an access-token bearer JWT or an API key and stores the resulting
// Identity in the request context.
//
// Authentication precedence:
//  1. Authorization: Bearer <jwt>   →  access token, checked against the
//     session registry and the jti/user blacklists
//  2. X-API-Key: <raw-key>         →  API key hash lookup
//
// If neither succeeds, the request is rejected with 401. API-key-
// authenticated requests are exempt from CSRF (enforced separately by
// RequireCSRF) since they never carry browser-managed cookies.
func Middleware(tokens *TokenManager, sessions *SessionRegistry, blacklist *Blacklist, apiKeys *APIKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") || strings.HasPrefix(authHeader, "bearer ") {
				rawToken := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))

				claims, issuedAt, err := tokens.ParseAndVerify(rawToken, TokenAccess)
				if err != nil {
					logger.Debug("access token rejected", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
					return
				}

				if revoked, _ := blacklist.IsJTIRevoked(r.Context(), claims.JTI); revoked {
					respondErr(w, http.StatusUnauthorized, "unauthorized", "token revoked")
					return
				}
				userID, _ := uuid.Parse(claims.UserID)
				if revoked, _ := blacklist.IsUserRevokedAt(r.Context(), claims.UserID, issuedAt); revoked {
					respondErr(w, http.StatusUnauthorized, "unauthorized", "token revoked")
					return
				}
				if _, err := sessions.Get(r.Context(), claims.JTI); err != nil {
					respondErr(w, http.StatusUnauthorized, "unauthorized", "session not found")
					return
				}
				go sessions.Touch(r.Context(), claims.JTI)

				identity = &Identity{
					UserID: userID, Email: claims.Email, Role: claims.Role,
					JTI: claims.JTI, Method: MethodSession,
				}
			}

			if identity == nil {
				if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
					key, err := apiKeys.Authenticate(r.Context(), rawKey)
					if err != nil {
						logger.Debug("api key rejected", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
						return
					}
					identity = &Identity{
						Role: RoleViewer, APIKeyID: &key.ID, Method: MethodAPIKey,
					}
				}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCSRF enforces the double-submit cookie check on state-changing
// requests (anything but GET/HEAD/OPTIONS) authenticated via session —
// API-key callers are exempt, since the whole attack this defends against
// relies on a browser automatically attaching a cookie the attacker can't
// read, which doesn't apply to an explicit header credential.
func RequireCSRF(csrf *CSRFManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			id := FromContext(r.Context())
			if id == nil || id.Method != MethodSession {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie("csrf_token")
			if err != nil {
				respondErr(w, http.StatusForbidden, "forbidden", "missing csrf token")
				return
			}
			header := r.Header.Get("X-CSRF-Token")
			if header == "" || header != cookie.Value {
				respondErr(w, http.StatusForbidden, "forbidden", "csrf token mismatch")
				return
			}
			if err := csrf.Verify(id.JTI, cookie.Value); err != nil {
				respondErr(w, http.StatusForbidden, "forbidden", "invalid csrf token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
