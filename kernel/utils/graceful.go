package utils

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedHook
	timeout    time.Duration
	logger     *Logger
}

type namedHook struct {
	name string
	fn   func() error
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

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedHook{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions in reverse registration order.
// Hooks run sequentially: later components depend on earlier ones still being alive.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := g.shutdownFn
	g.shutdownFn = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs error
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i].fn(); err != nil {
				g.logger.Error("Shutdown function failed", String("hook", hooks[i].name), Err(err))
				errs = multierr.Append(errs, err)
			}
		}
		done <- errs
	}()

	select {
	case err := <-done:
		if err == nil {
			g.logger.Info("Graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
