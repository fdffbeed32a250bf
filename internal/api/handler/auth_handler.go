package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/retail/inventory-auth/internal/api/metrics"
	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/ports"
)

type AuthHandler struct {
	credentials ports.CredentialService
	tokens      ports.TokenService
}

func NewAuthHandler(credentials ports.CredentialService, tokens ports.TokenService) *AuthHandler {
	return &AuthHandler{credentials: credentials, tokens: tokens}
}

// registerRequest is the public sign-up payload. It carries no role: every
// self-registered account is a clerk.
type registerRequest struct {
	Username string `json:"username" validate:"required,max=64,identity"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,max=64,identity"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Role     string `json:"role"     validate:"required,max=32,identity"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token     string       `json:"token,omitempty"`
	TokenType string       `json:"token_type,omitempty"`
	ExpiresIn int64        `json:"expires_in,omitempty"`
	User      *domain.User `json:"user,omitempty"`
}

type identityResponse struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Register creates a clerk account and returns a token for it.
//
// @Summary      Register a new user
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      registerRequest  true  "User registration details"
// @Success      201   {object}  authResponse
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Failure      500   {object}  map[string]string
// @Router       /auth/register [post]
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	user, err := h.register(c, req.Username, req.Password, domain.RoleClerk)
	if err != nil {
		return err
	}

	resp, err := h.issue(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// CreateUser registers an account with an explicit role. Admin only.
//
// @Summary      Create a user
// @Tags         users
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      createUserRequest  true  "Account details"
// @Success      201   {object}  domain.User
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      403   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /users [post]
func (h *AuthHandler) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	user, err := h.register(c, req.Username, req.Password, req.Role)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, user)
}

// Login authenticates a user and returns a bearer token.
//
// @Summary      Login
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Login credentials"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Router       /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	start := time.Now()
	user, err := h.credentials.Authenticate(c.Request().Context(), req.Username, req.Password)
	metrics.PasswordOpDuration.WithLabelValues("login").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			metrics.LoginsTotal.WithLabelValues("invalid").Inc()
		} else {
			metrics.LoginsTotal.WithLabelValues("error").Inc()
		}
		return err
	}
	metrics.LoginsTotal.WithLabelValues("success").Inc()

	resp, err := h.issue(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Me returns the identity and role carried by the caller's token.
//
// @Summary      Current identity
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  identityResponse
// @Failure      401  {object}  map[string]string
// @Router       /auth/me [get]
func (h *AuthHandler) Me(c echo.Context) error {
	username, role, err := ctxClaims(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, identityResponse{Username: username, Role: role})
}

// GetUser looks up a stored user by username. Admin only.
//
// @Summary      Look up a user
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Param        username  path      string  true  "Username"
// @Success      200       {object}  domain.User
// @Failure      401       {object}  map[string]string
// @Failure      403       {object}  map[string]string
// @Failure      404       {object}  map[string]string
// @Router       /users/{username} [get]
func (h *AuthHandler) GetUser(c echo.Context) error {
	user, found, err := h.credentials.FindByIdentity(c.Request().Context(), c.Param("username"))
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrUserNotFound
	}
	return c.JSON(http.StatusOK, user)
}

func (h *AuthHandler) register(c echo.Context, username, password, role string) (*domain.User, error) {
	start := time.Now()
	user, err := h.credentials.Register(c.Request().Context(), username, password, role)
	metrics.PasswordOpDuration.WithLabelValues("register").Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUserExists):
			metrics.RegistrationsTotal.WithLabelValues("duplicate").Inc()
			return nil, err
		case errors.Is(err, domain.ErrInvalidCredentials):
			metrics.RegistrationsTotal.WithLabelValues("invalid").Inc()
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid username or password")
		}
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RegistrationsTotal.WithLabelValues("created").Inc()
	return user, nil
}

func (h *AuthHandler) issue(user *domain.User) (*authResponse, error) {
	token, err := h.tokens.Issue(user.Username, user.Role)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssuedTotal.Inc()

	return &authResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
		User:      user,
	}, nil
}
