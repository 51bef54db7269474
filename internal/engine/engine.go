// Package engine coordinates the pool and a kernel session into the
// top-level Execute entry point: acquire a kernel, run one session on
// it, release it (possibly failed), and retry on a fresh kernel with
// exponential backoff until MaxRetryAttempts is exhausted (§4.5).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ocx/kernelbroker/internal/pool"
	"github.com/ocx/kernelbroker/internal/progress"
	"github.com/ocx/kernelbroker/internal/session"
)

// Dialer opens a Channel to a specific kernel id. Declared as an
// interface so tests can substitute a mock channel without standing up
// a real WebSocket server; production wiring uses WSDialer.
type Dialer interface {
	Dial(ctx context.Context, kernelID string) (session.Channel, error)
}

// WSDialer is the production Dialer, opening a real Jupyter kernel
// WebSocket channel via session.DialWSChannel.
type WSDialer struct {
	WSBase       string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, kernelID string) (session.Channel, error) {
	return session.DialWSChannel(ctx, d.WSBase, kernelID, d.PingInterval, d.PingTimeout)
}

// Events mirrors pool.Events: the engine emits execution lifecycle
// events through the same narrow capability, not a concrete bus type.
type Events interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Metrics is the subset of *metrics.Collectors the engine drives.
type Metrics interface {
	ObserveExecution(outcome string, d time.Duration)
	IncRetry()
}

// Config is the §3 Configuration subset the engine itself consumes.
type Config struct {
	MaxRetryAttempts int
	RetryBackoffBase float64
	Session          session.Options
}

// DefaultConfig mirrors the original implementation's constants.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts: 3,
		RetryBackoffBase: 2,
		Session:          session.DefaultOptions(),
	}
}

// Engine is the top-level entry point consumed by the Tool Adapter.
type Engine struct {
	pool   *pool.Pool
	dialer Dialer
	cfg    Config

	events  Events
	metrics Metrics
}

// New builds an engine against an already-constructed pool and dialer.
func New(p *pool.Pool, dialer Dialer, cfg Config) *Engine {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 1
	}
	return &Engine{pool: p, dialer: dialer, cfg: cfg}
}

// SetEvents attaches an event emitter. Optional; nil is a valid no-op.
func (e *Engine) SetEvents(ev Events) { e.events = ev }

// SetMetrics attaches a metrics collector. Optional; nil is a valid no-op.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Emit(eventType, "kernelbroker.engine", "", data)
}

func (e *Engine) observe(outcome string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveExecution(outcome, time.Since(start))
}

// Execute runs code to completion, retrying on a freshly-acquired
// kernel after transient failures. It never returns an error: the
// result is either the aggregated output, the formatted
// "Execution Error:\n..." string for a remote (user) error, or a
// formatted "Error: ..." string once retries are exhausted (§7 Top-level
// surface).
func (e *Engine) Execute(ctx context.Context, code string, sink progress.Sink) string {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxRetryAttempts; attempt++ {
		kernelID, err := e.pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			e.emit("execution.failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
		} else {
			out, runErr := e.runOnce(ctx, kernelID, code, sink)

			var remoteErr *session.RemoteExecutionError
			if errors.As(runErr, &remoteErr) {
				// User error, not infrastructure: release healthy, do
				// not retry, surface immediately (§7 RemoteExecutionError).
				e.pool.Release(ctx, kernelID, false)
				e.observe("remote_error", start)
				e.emit("execution.completed", map[string]interface{}{"kernel_id": kernelID, "remote_error": true})
				return remoteErr.Error()
			}

			if runErr == nil {
				e.pool.Release(ctx, kernelID, false)
				e.observe("success", start)
				e.emit("execution.completed", map[string]interface{}{"kernel_id": kernelID, "attempt": attempt})
				return out
			}

			e.pool.Release(ctx, kernelID, true)
			lastErr = runErr
			e.emit("execution.failed", map[string]interface{}{"kernel_id": kernelID, "attempt": attempt, "error": runErr.Error()})
		}

		if attempt == e.cfg.MaxRetryAttempts-1 {
			break
		}

		backoff := time.Duration(math.Pow(e.cfg.RetryBackoffBase, float64(attempt))) * time.Second
		slog.Warn("execution attempt failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
		if e.metrics != nil {
			e.metrics.IncRetry()
		}

		select {
		case <-ctx.Done():
			e.observe("cancelled", start)
			return fmt.Sprintf("Error: %v", ctx.Err())
		case <-time.After(backoff):
		}
	}

	slog.Error("all execution attempts failed", "attempts", e.cfg.MaxRetryAttempts, "last_error", lastErr)
	e.observe("failure", start)
	return fmt.Sprintf("Error: Execution failed after %d attempts. Last error: %v", e.cfg.MaxRetryAttempts, lastErr)
}

func (e *Engine) runOnce(ctx context.Context, kernelID, code string, sink progress.Sink) (string, error) {
	ch, err := e.dialer.Dial(ctx, kernelID)
	if err != nil {
		var openErr *session.ChannelOpenFailure
		if errors.As(err, &openErr) {
			return "", err
		}
		return "", &session.ChannelOpenFailure{KernelID: kernelID, Cause: err}
	}
	defer ch.Close()

	return session.Run(ctx, ch, kernelID, code, sink, e.cfg.Session)
}
