package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

type shutdownHook struct {
	name string
	fn   func() error
}

// GracefulShutdown tears session components down in reverse registration order
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a named shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown runs every hook once, last registered first. Hooks run
// sequentially because later components (the execution thread) hold
// references to regions owned by earlier ones.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return nil
	}
	g.done = true
	hooks := g.hooks
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].fn(); err != nil {
				g.logger.Error("Shutdown hook failed", String("component", hooks[i].name), Err(err))
				errs = append(errs, WrapError(err, hooks[i].name))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		g.logger.Info("Graceful shutdown complete")
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
