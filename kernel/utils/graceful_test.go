package utils

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func quiet() *Logger {
	return NewLogger(LoggerConfig{Output: io.Discard})
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	g := NewGracefulShutdown(time.Second, quiet())
	var order []string
	for _, name := range []string{"memory", "supervisor", "link"} {
		name := name
		g.Register(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	assert.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, []string{"link", "supervisor", "memory"}, order)

	// Hooks run once.
	assert.NoError(t, g.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownCombinesErrors(t *testing.T) {
	g := NewGracefulShutdown(time.Second, quiet())
	a, b := errors.New("a"), errors.New("b")
	g.Register("a", func() error { return a })
	g.Register("ok", func() error { return nil })
	g.Register("b", func() error { return b })

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)
}

func TestShutdownTimesOut(t *testing.T) {
	g := NewGracefulShutdown(10*time.Millisecond, quiet())
	release := make(chan struct{})
	defer close(release)
	g.Register("stuck", func() error {
		<-release
		return nil
	})
	err := g.Shutdown(context.Background())
	assert.EqualError(t, err, "shutdown: operation timed out")
}
