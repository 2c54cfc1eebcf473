package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/service"
	"biblioteca-auth/internal/token"
	"biblioteca-auth/internal/util"
)

// AuthHandler handles the login/session HTTP surface.
type AuthHandler struct {
	auth   *service.AuthService
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// RegisterRoutes registers all auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Post("/validate", h.Validate)
		r.Post("/check", h.Check)
		r.Get("/check", h.Check)
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	DeviceID string `json:"deviceId"`
}

type loginResponse struct {
	OK       bool   `json:"ok"`
	Token    string `json:"token"`
	Redirect string `json:"redirect"`
	DeviceID string `json:"deviceId"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidEmail, "")
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.DeviceID)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, conflictCode(err))
		return
	}

	respondWithJSON(w, http.StatusOK, loginResponse{
		OK:       true,
		Token:    result.Token,
		Redirect: result.Redirect,
		DeviceID: result.DeviceID,
	})
	h.logger.Info("Login via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

type logoutRequest struct {
	Email    string `json:"email"`
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
}

// Logout handles POST /auth/logout. deviceId and token are optional and scope
// the logout to one session. Calling it with no stored session is a
// successful no-op.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidEmail, "")
		return
	}

	if err := h.auth.Logout(r.Context(), req.Email, req.DeviceID, req.Token); err != nil {
		h.respondWithError(w, statusCode(err), err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type validateRequest struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

// Validate handles POST /auth/validate, the strict probe: email, token and
// device id must all match the stored session row.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.ErrMissingFields, "")
		return
	}

	if err := h.auth.Validate(r.Context(), req.Email, req.Token, req.DeviceID); err != nil {
		h.respondWithError(w, statusCode(err), err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"email": strings.ToLower(strings.TrimSpace(req.Email)),
	})
}

// Check handles /auth/check: verifies the bearer token (header, body or
// query) and confirms a session row still carries it.
func (h *AuthHandler) Check(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)

	email, err := h.auth.Check(r.Context(), tok)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "email": email})
}

// bearerToken pulls the token out of the Authorization header, the JSON body
// or the query string, in that order of preference.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	if r.Body != nil {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Token != "" {
			return strings.TrimSpace(body.Token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type contextKey string

// emailContextKey carries the authenticated email through middleware.
const emailContextKey contextKey = "session_email"

// RequireSession guards a subtree behind a valid bearer session.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := h.auth.Check(r.Context(), bearerToken(r))
		if err != nil {
			h.respondWithError(w, statusCode(err), err, "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), emailContextKey, email)))
	})
}

// SessionEmail returns the email RequireSession stored on the context.
func SessionEmail(ctx context.Context) string {
	email, _ := ctx.Value(emailContextKey).(string)
	return email
}

// Shared helpers

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, status int, err error, code string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", status),
	)
	respondWithJSON(w, status, errorBody{Error: errorMessage(err), Code: code})
}

// statusCode maps service errors to HTTP statuses.
func statusCode(err error) int {
	var conflict *service.SessionConflictError
	var upstream *client.UpstreamError
	switch {
	case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrMissingFields):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, token.ErrInvalid),
		errors.Is(err, service.ErrMissingToken),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrSessionMismatch):
		return http.StatusUnauthorized
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage keeps user-visible messages generic; upstream bodies never
// leak here.
func errorMessage(err error) string {
	var conflict *service.SessionConflictError
	var upstream *client.UpstreamError
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		return "Email inválido"
	case errors.Is(err, service.ErrMissingFields):
		return "Missing fields"
	case errors.Is(err, service.ErrAccessDenied):
		return "No tienes acceso activo."
	case errors.As(err, &conflict):
		return "Sesión ya iniciada. Cierra sesión para continuar."
	case errors.Is(err, service.ErrMissingToken):
		return "Missing token"
	case errors.Is(err, token.ErrInvalid):
		return "Invalid token"
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrSessionMismatch):
		return "Invalid session"
	case errors.As(err, &upstream):
		return "Upstream error"
	default:
		return "Internal error"
	}
}

func conflictCode(err error) string {
	var conflict *service.SessionConflictError
	if errors.As(err, &conflict) {
		return conflict.Code
	}
	return ""
}
