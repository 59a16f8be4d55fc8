// Package server contains HTTP and WebSocket handlers for the consent API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"carelink/internal/bootstrap"
	"carelink/internal/config"
	"carelink/internal/consenttext"
	"carelink/internal/database"
	"carelink/internal/featureflags"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/realtime"
	"carelink/internal/repository"
	"carelink/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	reconcileBatch       = 100
	sessionSweepInterval = time.Minute
	sessionIdleTTL       = 15 * time.Minute
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	requestRepo repository.RequestRepository
	consentRepo repository.ConsentRepository
	rosterRepo  repository.RosterRepository
	profileRepo repository.ProfileRepository

	changes      *realtime.SubscriptionManager
	notifier     *realtime.Notifier
	hub          *realtime.Hub
	reconcile    *service.ReconcileQueue
	registry     *service.Registry
	featureFlags *featureflags.Manager
	consentText  consenttext.Document
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, redisClient, err := bootstrap.InitRuntime(cfg, bootstrap.Options{ApplySchema: true})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil; websocket pushes then stay on this instance and
// failed secondary writes are left for `carectl reconcile --scan`.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	text, err := consenttext.Load(cfg.ConsentTextPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("carelink-api"),
		requestRepo:    repository.NewRequestRepository(db),
		consentRepo:    repository.NewConsentRepository(db),
		rosterRepo:     repository.NewRosterRepository(db),
		profileRepo:    repository.NewProfileRepository(db),
		changes:        realtime.NewSubscriptionManager(0),
		hub:            realtime.NewHub(),
		featureFlags:   featureflags.NewManager(cfg.FeatureFlags),
		consentText:    text,
	}
	s.notifier = realtime.NewNotifier(redisClient).WithLocalHub(s.hub)

	deps := service.RegistryDeps{
		Profiles:     s.profileRepo,
		Requests:     s.requestRepo,
		Consents:     s.consentRepo,
		Roster:       s.rosterRepo,
		Changes:      s.changes,
		Publisher:    s.notifier,
		Flags:        s.featureFlags,
		Text:         text,
		StepTimeout:  cfg.ConsentStepTimeout(),
		FetchTimeout: cfg.ConsentStepTimeout(),
	}
	if redisClient != nil {
		s.reconcile = service.NewReconcileQueue(redisClient, s.rosterRepo, s.requestRepo)
		deps.Retry = s.reconcile
	}
	s.registry = service.NewRegistry(deps)

	return s, nil
}

// NewApp builds the fiber app with middleware and routes installed.
func (s *Server) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "CareLink Consent API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:8081,http://localhost:19006"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		MaxAge:       86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api", middleware.PatientAuth(s.config.JWTSecret))

	requests := api.Group("/requests")
	requests.Get("/", s.ListRequests)
	requests.Get("/needs-consent", s.NeedsConsent)

	consent := api.Group("/consent/session")
	consent.Post("/", s.OpenConsentSession)
	consent.Get("/", s.GetConsentSession)
	consent.Delete("/", s.CloseConsentSession)
	consent.Post("/full-text", s.ShowConsentText)
	consent.Post("/acknowledge", s.AcknowledgeConsent)
	consent.Post("/decision", middleware.RateLimit(
		s.redis, 10, time.Minute, "consent_decision"), s.DecideConsent)

	api.Get("/feature-flags", s.GetFeatureFlags)
	api.Get("/ws", s.WebsocketHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests. Redis is optional, so
// an absent client does not fail readiness but an unreachable one does.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := database.Ping(ctx, s.db); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"sessions": s.registry.Len(),
		"time":     time.Now(),
	})
}

// Start wires the background workers and serves HTTP until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	s.app = s.NewApp()
	s.startBackground(ctx)

	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) startBackground(ctx context.Context) {
	if s.redis != nil {
		go func() {
			if err := s.hub.StartWiring(ctx, s.notifier); err != nil {
				middleware.Logger.Error("failed to start hub wiring",
					slog.String("hub", s.hub.Name()), slog.String("error", err.Error()))
			}
		}()
	}

	listener := realtime.NewPGListener(database.DSN(s.config), database.ChangefeedChannel, s.changes)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			middleware.Logger.Error("change listener stopped", slog.String("error", err.Error()))
		}
	}()

	go s.registry.RunSweeper(ctx, sessionSweepInterval, sessionIdleTTL)

	if s.reconcile != nil {
		go service.RunReconcileLoop(ctx, s.reconcile, s.featureFlags, s.config.ReconcileInterval(), reconcileBatch)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	s.registry.Shutdown()
	s.changes.Close()

	if err := s.hub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down hub", slog.String("hub", s.hub.Name()), slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
