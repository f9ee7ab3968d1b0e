package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Server coordinates a group of listeners.
type Server struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners []*Listener
}

// New creates a Server over the given listener configurations.
func New(logger *slog.Logger, configs ...ListenerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{logger: logger}
	for _, lc := range configs {
		if lc.Logger == nil {
			lc.Logger = logger
		}
		s.listeners = append(s.listeners, NewListener(lc))
	}
	return s
}

// Run starts all listeners and blocks until the context is cancelled.
// All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.Int("listener_count", len(listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, l := range listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()

	s.logger.Info("server shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown closes all listeners so Run can drain and return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}
