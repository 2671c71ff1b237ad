package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

// Run serves HTTP and runs the background loops until SIGINT or SIGTERM
// arrives, ctx ends, or the listener fails. It always shuts down before
// returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// The loops outlive ctx so the emitter can flush after HTTP drains.
	loops, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoops = cancel
	go s.emitter.Run(loops)
	go s.scheduler.Start(loops)
	if s.reconTimer != nil {
		go s.reconTimer.Start(loops)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	listenErr := make(chan error, 1)
	go func() { listenErr <- s.httpSrv.ListenAndServe() }()

	s.ready.Store(true)
	s.logger.Info("server ready",
		"port", s.cfg.Port,
		"auto_release_after", s.cfg.AutoReleaseAfter().String(),
		"auto_release_schedule", s.cfg.AutoReleaseSchedule,
	)

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(fmt.Errorf("listen: %w", err), s.Shutdown())
		}
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

// Shutdown stops taking traffic, drains in-flight requests, stops the
// loops, flushes buffered notifications, then closes the store, clients
// and tracer. Calling it again returns the first result.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() { s.stopErr = s.shutdown() })
	return s.stopErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown", "drain_delay", s.drainDelay)
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}

	s.scheduler.Stop()
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.stopLoops != nil {
		s.stopLoops()
		select {
		case <-s.emitter.Done():
		case <-ctx.Done():
			s.logger.Warn("notify emitter did not flush before deadline")
		}
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil {
			s.logger.Error("close failed", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
