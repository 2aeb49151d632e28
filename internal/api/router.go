package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hugh/tollgate/internal/access"
	"github.com/hugh/tollgate/internal/api/handlers"
	"github.com/hugh/tollgate/internal/api/middleware"
	"github.com/hugh/tollgate/internal/auth"
	"github.com/hugh/tollgate/internal/guard"
	"github.com/hugh/tollgate/internal/metrics"
	"github.com/hugh/tollgate/internal/usage"
	"github.com/hugh/tollgate/pkg/crypto"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Router struct {
	chi.Router
	limiters []*middleware.RateLimiter
}

type RouterConfig struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	JWTService  auth.TokenService
	AuthService auth.Authenticator
	Directory   *access.GormDirectory
	Evaluator   *access.Evaluator
	Memberships *access.MembershipService
	Guard       *guard.Guard
	Pricing     *usage.Pricing
	Reporter    *usage.Reporter
	Encryptor   *crypto.Encryptor // optional
	Queue       handlers.Enqueuer // optional, enables usage export

	AllowedOrigins []string      // CORS allowed origins
	RateLimitReqs  int           // Rate limit requests per window
	RateLimitSecs  int           // Rate limit window in seconds
	LoginRateLimit int           // Login attempts per email per window
	SecureCookies  bool          // Set the Secure flag on the session cookie
	TokenTTL       time.Duration // Session cookie lifetime
}

func NewRouter(cfg RouterConfig) *Router {
	r := chi.NewRouter()
	router := &Router{Router: r}

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(cfg.Metrics.Instrument)

	if cfg.RateLimitReqs > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitReqs, cfg.RateLimitSecs)
		router.limiters = append(router.limiters, limiter)
		r.Use(middleware.RateLimit(limiter, middleware.KeyByIP, func() { cfg.Metrics.RateLimited("ip") }))
	}

	// CORS - restrict to configured origins, or localhost in development
	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
			handlers.HeaderCreditsRemaining, handlers.HeaderCreditsWarning,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Redis)
	authHandler := handlers.NewAuthHandler(cfg.AuthService, cfg.Metrics, cfg.Logger, cfg.SecureCookies, cfg.TokenTTL)
	meHandler := handlers.NewMeHandler(cfg.AuthService)
	memberHandler := handlers.NewMemberHandler(cfg.Memberships, cfg.Logger)
	usageHandler := handlers.NewUsageHandler(cfg.Reporter, cfg.Queue, cfg.Logger)
	resourceHandler := handlers.NewResourceHandler(cfg.DB, cfg.Guard, cfg.Evaluator, cfg.Directory,
		cfg.Pricing, cfg.Encryptor, cfg.Metrics, cfg.Logger)

	requireCap := func(c access.Capability) func(http.Handler) http.Handler {
		return middleware.RequireCapability(cfg.Directory, c, cfg.Metrics, cfg.Logger)
	}

	// Health and metrics endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public auth endpoints
		r.Post("/auth/register", authHandler.Register)
		r.With(router.loginLimit(cfg)...).Post("/auth/login", authHandler.Login)
		r.Post("/auth/logout", authHandler.Logout)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTService))

			r.Get("/me", meHandler.Get)

			r.Route("/organizations/{"+middleware.OrgParam+"}", func(r chi.Router) {
				r.Route("/members", func(r chi.Router) {
					r.With(requireCap(access.CapManageAccess)).Get("/", memberHandler.List)
					r.With(requireCap(access.CapManageMembers)).Post("/", memberHandler.Add)
					r.With(requireCap(access.CapManageRoleAssignments)).Put("/{userID}/role", memberHandler.ChangeRole)
					r.With(requireCap(access.CapManageMembers)).Delete("/{userID}", memberHandler.Revoke)
				})

				r.Route("/usage", func(r chi.Router) {
					r.Use(requireCap(access.CapViewBilling))
					r.Get("/", usageHandler.Summary)
					r.Get("/events", usageHandler.Events)
					r.Get("/breakdown", usageHandler.Breakdown)
					r.Post("/export", usageHandler.Export)
				})

				// Resource routes authorize per request through the guard
				r.Route("/resources", func(r chi.Router) {
					r.Get("/", resourceHandler.List)
					r.Post("/", resourceHandler.Create)
					r.Get("/{id}", resourceHandler.Get)
					r.Put("/{id}", resourceHandler.Update)
					r.Delete("/{id}", resourceHandler.Delete)
					r.Post("/{id}/actions", resourceHandler.Action)
				})
			})
		})
	})

	return router
}

// loginLimit adds the per-email login limiter on top of the per-IP one.
func (rt *Router) loginLimit(cfg RouterConfig) []func(http.Handler) http.Handler {
	if cfg.LoginRateLimit <= 0 {
		return nil
	}
	window := cfg.RateLimitSecs
	if window <= 0 {
		window = 60
	}
	limiter := middleware.NewRateLimiter(cfg.LoginRateLimit, window)
	rt.limiters = append(rt.limiters, limiter)
	return []func(http.Handler) http.Handler{
		middleware.RateLimit(limiter, middleware.KeyByLoginEmail, func() { cfg.Metrics.RateLimited("login") }),
	}
}

// Close stops the rate limiter cleanup goroutines.
func (rt *Router) Close() {
	for _, l := range rt.limiters {
		l.Stop()
	}
}
