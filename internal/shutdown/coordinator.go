// Package shutdown turns a termination signal into a drain of every live
// media stream.
package shutdown

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/session"
)

// CloseServerShutdown is the websocket close code sent to drained streams.
const CloseServerShutdown = 1001

// Drainer is implemented by session.Registry.
type Drainer interface {
	Drain(code int, reason string) session.DrainResult
}

type Coordinator struct {
	drainer Drainer
	logger  *zap.Logger

	draining atomic.Bool
	once     sync.Once
	done     chan struct{}
	result   session.DrainResult
	onDrain  func(session.DrainResult)
}

func New(drainer Drainer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{drainer: drainer, logger: logger, done: make(chan struct{})}
}

// OnDrained registers a callback run after the drain completes. It must be
// set before Trigger.
func (c *Coordinator) OnDrained(fn func(session.DrainResult)) { c.onDrain = fn }

// Draining reports whether shutdown has started.
func (c *Coordinator) Draining() bool { return c.draining.Load() }

// Trigger starts the drain in the background and returns immediately.
// Later calls are no-ops.
func (c *Coordinator) Trigger(reason string) {
	c.once.Do(func() {
		c.draining.Store(true)
		c.logger.Info("shutdown drain scheduled", zap.String("reason", reason))
		go func() {
			defer close(c.done)
			res := c.drainer.Drain(CloseServerShutdown, "server shutdown")
			c.result = res
			c.logger.Info("shutdown drain finished",
				zap.Int("closed", res.Closed),
				zap.Int("failed", res.Failed),
			)
			if c.onDrain != nil {
				c.onDrain(res)
			}
		}()
	})
}

// Done is closed once the drain has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Wait blocks until the drain finishes or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) (session.DrainResult, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return session.DrainResult{}, context.Cause(ctx)
	}
}

// Run waits for a signal and triggers the drain. It returns the signal, or
// nil if ctx ended first.
func (c *Coordinator) Run(ctx context.Context, signals <-chan os.Signal) os.Signal {
	select {
	case sig := <-signals:
		c.Trigger(sig.String())
		return sig
	case <-ctx.Done():
		return nil
	}
}
