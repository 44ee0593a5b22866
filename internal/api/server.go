package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"key.share/config"
)

type Server struct {
	cfg     *config.Config
	handler *Handler
	log     *zap.Logger
	srv     *http.Server
}

func NewServer(cfg *config.Config, h *Handler, router http.Handler, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: h,
		log:     log,
		srv: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
}

// RunInBackground starts serving. errc receives a listener failure, if any.
func (s *Server) RunInBackground() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", zap.Error(err))
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown marks the server not ready, waits out the drain period so load
// balancers notice, then stops accepting requests.
func (s *Server) Shutdown() {
	s.handler.SetReady(false)
	s.log.Info("server marked as not ready", zap.Duration("drain", s.cfg.Server.DrainDuration))
	time.Sleep(s.cfg.Server.DrainDuration)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("graceful HTTP server shutdown failed", zap.Error(err))
		return
	}
	s.log.Info("HTTP server gracefully stopped")
}
