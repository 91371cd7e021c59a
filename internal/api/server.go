package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/lead-call-orchestrator/internal/api/handlers"
	"github.com/acme/lead-call-orchestrator/internal/api/media"
	"github.com/acme/lead-call-orchestrator/internal/config"
)

// Server wraps the Fiber application and the media relay listener.
type Server struct {
	app    *fiber.App
	media  *http.Server
	cfg    config.HTTPConfig
	logger *zap.Logger
}

// NewServer constructs a new HTTP server. A nil relay or a zero media port
// disables the media listener.
func NewServer(cfg config.HTTPConfig, handlers *handlers.HandlerSet, relay *media.Relay, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(otelfiber.Middleware())
	handlers.Register(app)

	s := &Server{app: app, cfg: cfg, logger: logger}
	if relay != nil && cfg.MediaPort > 0 {
		s.media = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MediaPort),
			Handler:           relay,
			ReadHeaderTimeout: cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		}
	}
	return s
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving HTTP traffic and blocks until ctx is cancelled or a
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listening", zap.Int("port", s.cfg.Port))
		return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
	})
	if s.media != nil {
		g.Go(func() error {
			s.logger.Info("media relay listening", zap.Int("port", s.cfg.MediaPort))
			if err := s.media.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the listeners.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.media != nil {
		if err := s.media.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
