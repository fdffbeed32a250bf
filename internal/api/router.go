package api

import (
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	_ "github.com/retail/inventory-auth/docs"
	"github.com/retail/inventory-auth/internal/api/handler"
	"github.com/retail/inventory-auth/internal/api/middleware"
	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/ports"
)

// Deps carries everything the router needs to wire handlers.
type Deps struct {
	Credentials ports.CredentialService
	Tokens      ports.TokenService
	// Checks are the readiness checks, keyed by dependency name.
	Checks map[string]handler.PingFunc
	Log    zerolog.Logger
	// Registry receives the HTTP metrics. Nil means the default registry.
	Registry *prometheus.Registry
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Log)

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if deps.Registry != nil {
		registerer, gatherer = deps.Registry, deps.Registry
	}

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(middleware.RequestLogger(deps.Log))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "inventory_auth",
		Registerer: registerer,
	}))

	// --- Dependencies ---
	authHandler := handler.NewAuthHandler(deps.Credentials, deps.Tokens)
	requireToken := middleware.Auth(deps.Tokens)

	// --- Auth routes ---
	e.POST("/auth/register", authHandler.Register)
	e.POST("/auth/login", authHandler.Login)
	e.GET("/auth/me", authHandler.Me, requireToken)

	// --- Admin routes ---
	users := e.Group("/users", requireToken, middleware.RBAC(domain.RoleAdmin))
	users.POST("", authHandler.CreateUser)
	users.GET("/:username", authHandler.GetUser)

	// --- Health checks (no auth required) ---
	healthHandler := handler.NewHealthHandler()
	healthDepsHandler := handler.NewHealthDependenciesHandler(deps.Checks)

	e.GET("/health", healthHandler.Liveness)            // liveness: is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness: are dependencies up?

	// --- Ops ---
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	return e
}
