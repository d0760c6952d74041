// Package http serves the leadrelay HTTP surface: provider webhooks, live
// dashboard streams, dashboard actions, and health and metrics endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/broadcast"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	"github.com/fyrsmithlabs/leadrelay/internal/logging"
	"github.com/fyrsmithlabs/leadrelay/internal/migration"
	"github.com/fyrsmithlabs/leadrelay/internal/sanitize"
	"github.com/fyrsmithlabs/leadrelay/internal/webhook"
)

// OrgHeader carries the organization resolved by the upstream auth layer.
const OrgHeader = "X-Organization-Id"

const defaultMaxBodyBytes = 1 << 20

// Conversations is the repository surface used by the handlers.
// conversation.Repository implements it.
type Conversations interface {
	GetContext(ctx context.Context, org, customerPhone string) []conversation.Message
	GetSummary(ctx context.Context, org, customerPhone string) (conversation.Summary, bool)
	GetPhoneForLead(ctx context.Context, org, leadID string) (string, bool)
	AppendMessages(ctx context.Context, org, customerPhone, leadID string, msgs ...conversation.Message) ([]conversation.Message, error)
	SetLeadForPhone(ctx context.Context, org, customerPhone, leadID string) error
	GetOrganizationName(ctx context.Context, org string) string
}

// Processor applies normalized webhook events. webhook.Processor implements it.
type Processor interface {
	Process(ctx context.Context, ev webhook.Event) (webhook.Result, error)
}

// Broadcaster manages live subscribers. broadcast.Registry implements it.
type Broadcaster interface {
	Register(ctx context.Context, org, leadID, customerPhone string, sink broadcast.Sink) *broadcast.Subscription
	Broadcast(ctx context.Context, f broadcast.Frame) broadcast.Delivery
	Len() int
}

// Migrator runs the legacy state migration. migration.Manager implements it.
type Migrator interface {
	Run(ctx context.Context) (migration.Report, error)
}

// Deps are the collaborators of the server. Cache, Migrator and Outbound are
// optional.
type Deps struct {
	Conversations Conversations
	Normalizer    *webhook.Normalizer
	Processor     Processor
	Broadcaster   Broadcaster
	Cache         CacheHealth
	Migrator      Migrator
	Outbound      Outbound
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// VoiceSecret enables signature checks on voice webhooks when set.
	VoiceSecret        []byte
	SignatureTolerance time.Duration

	// RateLimit is the per-IP request rate on /webhooks, in requests per
	// second. Zero disables limiting.
	RateLimit float64
	RateBurst int

	MaxBodyBytes int64

	// AllowedOrigins are host patterns accepted on websocket upgrades from
	// another origin.
	AllowedOrigins []string
}

// Server provides HTTP endpoints for leadrelay.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
	now     func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	switch {
	case deps.Conversations == nil:
		return nil, fmt.Errorf("conversations cannot be nil")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("normalizer cannot be nil")
	case deps.Processor == nil:
		return nil, fmt.Errorf("processor cannot be nil")
	case deps.Broadcaster == nil:
		return nil, fmt.Errorf("broadcaster cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
		now:     time.Now,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			if sanitize.ValidateID(id, "request id") == nil {
				req := c.Request()
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
			}
		},
	}))
	e.Use(s.requestLogger())
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger logs one line per request. Stream requests are logged when
// the stream ends.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("route", normalizePath(c.Path())),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			s.logger.Info("http request", fields...)
			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	hooks := s.echo.Group("/webhooks", middleware.BodyLimit(fmt.Sprintf("%dB", s.config.MaxBodyBytes)))
	if s.config.RateLimit > 0 {
		hooks.Use(newIPLimiter(s.config.RateLimit, s.config.RateBurst).middleware())
	}
	hooks.POST("/sms", s.handleSMS)
	hooks.POST("/sms/status", s.handleSMSStatus)
	hooks.POST("/voice", s.handleVoice)
	hooks.POST("/voice/post-call", s.handlePostCall)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/health/cache", s.handleCacheHealth)
	v1.POST("/admin/migrate", s.handleMigrate)

	leads := v1.Group("/leads/:lead_id", s.requireLead)
	leads.GET("/stream", s.handleStream)
	leads.GET("/ws", s.handleWebSocket)
	leads.GET("/context", s.handleContext)
	leads.POST("/messages", s.handleSendMessage)
	leads.POST("/calls", s.handleStartCall)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// handleHealth reports liveness. The process stays up and serving while the
// remote cache is down, so a degraded cache is reported but is not a failure.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:      "ok",
		Cache:       "unknown",
		Subscribers: s.deps.Broadcaster.Len(),
	}
	if s.deps.Cache != nil {
		resp.Cache = "healthy"
		if st := s.deps.Cache.Stats(); st.RemoteConfigured && !st.RemoteConnected {
			resp.Cache = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleCacheHealth pings the remote tier and returns the cache counters.
func (s *Server) handleCacheHealth(c echo.Context) error {
	if s.deps.Cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache health is not available")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	pingErr := s.deps.Cache.Ping(ctx)
	resp := CacheHealthFromStats(s.deps.Cache.Stats(), pingErr)
	return c.JSON(http.StatusOK, resp)
}

// handleMigrate runs one migration pass and returns its report.
func (s *Server) handleMigrate(c echo.Context) error {
	if s.deps.Migrator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "migration is not configured")
	}
	report, err := s.deps.Migrator.Run(c.Request().Context())
	if errors.Is(err, migration.ErrRunning) {
		return echo.NewHTTPError(http.StatusConflict, "a migration is already running")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "report": report})
}

// errorHandler renders every error as the JSON error envelope. Errors that
// are not echo.HTTPError are logged and reported as 500 without detail.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			logger.Error("request failed",
				zap.String("route", normalizePath(c.Path())),
				zap.Error(err),
			)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Warn("writing error response failed", zap.Error(err))
		}
	}
}
