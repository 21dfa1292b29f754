// Package api exposes the operational surface of the service over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"tasksync/internal/app"
	"tasksync/internal/store"
	"tasksync/internal/syncer"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Service is the part of app.Service the handlers call
type Service interface {
	HealthCheck(ctx context.Context) syncer.HealthReport
	GetSystemStats(ctx context.Context) (*app.SystemStats, error)
	ForceSyncAll(ctx context.Context) (syncer.RunResult, error)
	GetTask(ctx context.Context, id string) (*store.Task, []store.ExecutionStep, error)
	CancelTask(ctx context.Context, id string) error
}

// Config contains server configuration
type Config struct {
	Listen string
	Token  string
}

// Server is the admin HTTP server
type Server struct {
	config  Config
	app     *fiber.App
	service Service
	logger  *zap.Logger
}

// NewServer creates the server and registers its routes. metricsHandler may
// be nil, in which case /metrics is not served.
func NewServer(config Config, service Service, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  config,
		service: service,
		logger:  logger.With(zap.String("component", "api")),
	}

	s.app = fiber.New(fiber.Config{
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          2 * time.Minute,
	})
	s.app.Use(recover.New())

	s.app.Get("/health", s.health)
	if metricsHandler != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsHandler))
	}

	admin := s.app.Group("", bearerAuth(config.Token))
	admin.Get("/stats", s.stats)
	admin.Post("/sync", s.sync)
	admin.Get("/tasks/:id", s.getTask)
	admin.Post("/tasks/:id/cancel", s.cancelTask)

	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled, then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin API listening", zap.String("listen", s.config.Listen))
		errCh <- s.app.Listen(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Admin API stopped")
	return nil
}

func bearerAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}

		provided := c.Get("X-Admin-Token")
		if auth := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, store.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, syncer.ErrSyncInProgress):
		code = fiber.StatusConflict
	}

	if code >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err))
	} else {
		s.logger.Debug("Request rejected",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err))
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
