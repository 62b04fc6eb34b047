package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const (
	maxJSONBodyBytes = 1 << 20

	// SessionCookieName carries the signed session token and nothing else.
	SessionCookieName = "admin_session"
)

type Handler struct {
	service       *Service
	sessionTTL    time.Duration
	secureCookies bool
}

func NewHandler(service *Service, sessionTTL time.Duration, secureCookies bool) *Handler {
	return &Handler{service: service, sessionTTL: sessionTTL, secureCookies: secureCookies}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type setupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type forgotPasswordRequest struct {
	Login string `json:"login"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type sessionResponse struct {
	Subject   string `json:"subject"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}

	// The password is not pre-validated here: a short or malformed password is
	// an ordinary failed attempt, so it gets audited and counted like one.
	token, claims, err := h.service.Login(r.Context(), body.Username, body.Password, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, sessionResponse{
		Subject:   claims.Subject,
		IssuedAt:  claims.IssuedAt.Format(time.RFC3339),
		ExpiresAt: claims.ExpiresAt.Format(time.RFC3339),
	})
}

// Logout revokes whatever session cookie came with the request and clears it.
// Missing or already-invalid cookies still succeed.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.service.Logout(r.Context(), cookie.Value, clientIP(r)); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Verify runs behind the session middleware; reaching it means the token
// already passed every check.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Subject:   claims.Subject,
		IssuedAt:  claims.IssuedAt.Format(time.RFC3339),
		ExpiresAt: claims.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	var body setupRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}

	user, err := h.service.Setup(r.Context(), body.Username, body.Email, body.Password, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrSetupDisabled):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, ErrAdminExists):
			writeError(w, http.StatusConflict, "admin account already exists")
		default:
			writeServiceError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID, "username": user.Username})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	token, _, err := h.service.ChangePassword(r.Context(), claims, body.CurrentPassword, body.NewPassword, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.setSessionCookie(w, token)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), body.Login, clientIP(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	// Identical body whether or not the account exists.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword, clientIP(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/admin",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/admin",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// writeServiceError maps the closed error taxonomy to its fixed HTTP shape.
func writeServiceError(w http.ResponseWriter, err error) {
	var locked ErrAccountLocked
	var limited ErrRateLimited
	var policy ErrPasswordPolicy
	var infra ErrInfrastructure

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &locked):
		retryAfter := int(locked.RetryAfter(time.Now().UTC()).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusLocked, "account temporarily locked")
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired session")
	case errors.Is(err, ErrResetTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired reset token")
	case errors.As(err, &policy):
		writeError(w, http.StatusUnprocessableEntity, policy.Error())
	case errors.As(err, &infra):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
