package handlers

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/api/dto"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/lockout"
)

// Login outcomes reported to the LoginObserver.
const (
	LoginSucceeded   = "success"
	LoginInvalid     = "invalid_credentials"
	LoginLocked      = "locked"
	LoginInactive    = "inactive"
	LoginUnavailable = "unavailable"
	LoginFailed      = "error"
)

// LoginObserver counts login attempts by outcome.
type LoginObserver interface {
	ObserveLogin(outcome string)
}

type AuthHandler struct {
	authService   auth.Authenticator
	logins        LoginObserver
	logger        *slog.Logger
	secureCookies bool
	cookieMaxAge  int
}

func NewAuthHandler(authService auth.Authenticator, logins LoginObserver, logger *slog.Logger, secureCookies bool, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService:   authService,
		logins:        logins,
		logger:        logger,
		secureCookies: secureCookies,
		cookieMaxAge:  int(tokenTTL.Seconds()),
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validated(w, req.Validate()) {
		return
	}

	resp, err := h.authService.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		OrgName:  req.OrgName,
		Plan:     req.Plan,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			writeError(w, http.StatusConflict, "User already exists")
		default:
			h.logger.Error("registration failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	h.setTokenCookie(w, resp.Token, h.cookieMaxAge)
	writeJSON(w, http.StatusCreated, authResponse(resp))
}

// Login answers 423 with Retry-After while the identity is locked out, and 503
// when the lockout store cannot be consulted.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validated(w, req.Validate()) {
		return
	}

	input := auth.LoginInput{Email: req.Email, Password: req.Password}
	if req.OrganizationID != "" {
		input.OrganizationID = uuid.MustParse(req.OrganizationID)
	}

	resp, err := h.authService.Login(r.Context(), input)
	if err != nil {
		h.loginFailed(w, err)
		return
	}

	h.observe(LoginSucceeded)
	h.setTokenCookie(w, resp.Token, h.cookieMaxAge)
	writeJSON(w, http.StatusOK, authResponse(resp))
}

func (h *AuthHandler) loginFailed(w http.ResponseWriter, err error) {
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		h.observe(LoginLocked)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(locked.RetryAfter)))
		writeJSON(w, http.StatusLocked, dto.LockedResponse{
			Error:       "Account temporarily locked",
			LockedUntil: locked.Until.UTC(),
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.observe(LoginInvalid)
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrInactiveUser):
		h.observe(LoginInactive)
		writeError(w, http.StatusForbidden, "Account is inactive")
	case errors.Is(err, auth.ErrNoOrganization):
		h.observe(LoginInactive)
		writeError(w, http.StatusForbidden, "No active organization membership")
	case errors.Is(err, lockout.ErrStoreUnavailable):
		h.observe(LoginUnavailable)
		h.logger.Error("login refused, lockout store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		h.observe(LoginFailed)
		h.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
	}
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.setTokenCookie(w, "", -1)
	writeJSON(w, http.StatusOK, dto.SuccessResponse{Message: "Logged out"})
}

func (h *AuthHandler) observe(outcome string) {
	if h.logins != nil {
		h.logins.ObserveLogin(outcome)
	}
}

func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func authResponse(resp *auth.AuthResponse) dto.AuthResponse {
	user := dto.UserDTO{
		ID:    resp.User.ID.String(),
		Email: resp.User.Email,
		Name:  resp.User.Name,
		Role:  string(resp.Role),
	}
	if resp.Organization != nil {
		user.OrganizationID = resp.Organization.ID.String()
		user.OrgName = resp.Organization.Name
	}
	return dto.AuthResponse{Token: resp.Token, User: user}
}

// retryAfterSeconds rounds up so clients never retry before the lock expires.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
