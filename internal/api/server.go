package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/threadline/internal/agent"
	"github.com/threadline/internal/api/auth"
	"github.com/threadline/internal/config"
	"github.com/threadline/internal/threads"
)

// Options wires the server to its collaborators.
type Options struct {
	Port                int
	StreamFraming       string
	PublicRatePerMinute int
	CORSOrigins         []string

	Runtime agent.Runtime
	Store   threads.Store
	Tokens  *auth.TokenService
	Users   auth.UserRepository
}

// Server represents the API server
type Server struct {
	echo    *echo.Echo
	port    int
	framing string
	runtime agent.Runtime
	store   threads.Store
	tokens  *auth.TokenService
	users   auth.UserRepository
	limiter *limiterPool
}

const loggerContextKey = "logger"

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(requestLogging())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  origins,
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		ExposeHeaders: []string{HeaderThreadID},
	}))

	framing := opts.StreamFraming
	if framing != config.FramingRaw {
		framing = config.FramingSSE
	}

	server := &Server{
		echo:    e,
		port:    opts.Port,
		framing: framing,
		runtime: opts.Runtime,
		store:   opts.Store,
		tokens:  opts.Tokens,
		users:   opts.Users,
		limiter: newLimiterPool(opts.PublicRatePerMinute),
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	auth.NewAuthHandlers(s.tokens, s.users).RegisterRoutes(s.echo.Group("/auth"))

	requireAuth := auth.RequireAuth(s.tokens)
	optionalAuth := auth.OptionalAuth(s.tokens)

	ai := s.echo.Group("/ai")
	ai.POST("/stream", s.Stream, requireAuth)
	ai.POST("/stream/public", s.PublicStream)

	ai.GET("/resources/me/threads", s.ListMyThreads, requireAuth)
	ai.GET("/resources/:resourceId/threads", s.ListResourceThreads, optionalAuth)

	ai.GET("/threads/:threadId", s.GetThread, optionalAuth)
	ai.PATCH("/threads/:threadId", s.RenameThread, optionalAuth)
	ai.DELETE("/threads/:threadId", s.DeleteThread, requireAuth)
	ai.GET("/threads/:threadId/messages", s.GetMessages, optionalAuth)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.port).Str("framing", s.framing).Msg("API server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

// requestLogging attaches a request-scoped zerolog logger and logs each request.
func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			logger := log.With().Str("request_id", reqID).Logger()
			c.Set(loggerContextKey, logger)

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			ev := logger.Debug()
			if status := c.Response().Status; status >= http.StatusInternalServerError {
				ev = logger.Error().Err(err)
			}
			ev.Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}

func requestLogger(c echo.Context) zerolog.Logger {
	if logger, ok := c.Get(loggerContextKey).(zerolog.Logger); ok {
		return logger
	}
	return log.Logger
}
