// Пакет server — HTTP-сервер EZID с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goezid/internal/api/handlers"
	"github.com/bigkaa/goezid/internal/api/middleware"
	"github.com/bigkaa/goezid/internal/domain/rbac"
)

// Server — HTTP-сервер EZID.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// NewRouter собирает маршруты и middleware.
// Health и metrics не требуют аутентификации: их опрашивает Kubernetes напрямую.
func NewRouter(logger *slog.Logger, h *handlers.APIHandler, auth *middleware.Auth) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)
	router.Get("/s3_download/{name}", h.ServeDownload)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware())

		r.Get("/id/*", h.GetIdentifier)
		r.Put("/id/*", h.CreateIdentifier)
		r.Post("/id/*", h.UpdateIdentifier)
		r.Delete("/id/*", h.DeleteIdentifier)
		r.Post("/shoulder/*", h.MintIdentifier)
		r.Post("/download_request", h.DownloadRequest)

		r.With(middleware.RequireRole(rbac.RoleReadonly)).Get("/admin/status", h.Status)
		r.With(middleware.RequireRole(rbac.RoleAdmin)).Post("/admin/pause", h.PauseOperations)
	})
	return router
}

// New создаёт HTTP-сервер на порту port.
func New(port int, shutdownTimeout time.Duration, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return &Server{
		httpServer:      srv,
		logger:          logger.With(slog.String("component", "http")),
		shutdownTimeout: shutdownTimeout,
	}
}

// Run запускает сервер и блокируется до отмены ctx, после чего выполняет
// graceful shutdown. Сигналы обрабатывает вызывающий.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}
	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
