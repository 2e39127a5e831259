package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/deskgate/internal/config"
	"github.com/websoft9/deskgate/internal/gateway"
	"github.com/websoft9/deskgate/internal/server/handlers"
	"github.com/websoft9/deskgate/internal/server/middleware"
)

type Server struct {
	cfg        *config.Config
	gateway    *gateway.Gateway
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, gw *gateway.Gateway) *Server {
	s := &Server{
		cfg:     cfg,
		gateway: gw,
	}
	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Get("/health", handlers.Health)
		r.Get("/ready", handlers.Ready(s.gateway.Registry()))
	})

	// Session WebSockets live as long as the session, so no request timeout.
	opts := handlers.ChannelOptions{
		WriteTimeout:   s.cfg.WriteTimeout,
		ReadLimit:      s.cfg.ReadLimit,
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
	}
	r.Route("/ws", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.APIKey))
		r.Get("/terminus", handlers.Gateway(s.gateway, gateway.VariantTerminus, opts))
		r.Get("/sftp", handlers.Gateway(s.gateway, gateway.VariantSFTP, opts))
		r.Get("/sftp-sync", handlers.Gateway(s.gateway, gateway.VariantSync, opts))
	})

	s.router = r
}

// Addr is the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start serves HTTP until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then ends every session. Hijacked
// WebSocket connections are not tracked by http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	log.Info().Msg("Shutting down HTTP server")
	errs = append(errs, s.httpServer.Shutdown(ctx))
	log.Info().Int("sessions", s.gateway.Registry().Len()).Msg("Closing sessions")
	errs = append(errs, s.gateway.Shutdown(ctx))
	return errors.Join(errs...)
}
