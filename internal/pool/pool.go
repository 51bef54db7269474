// Package pool owns the bounded set of kernels the broker has
// provisioned and hands them out one at a time: Initialize brings the
// pool up to its floor, Acquire/Release implement the non-blocking
// allocator, and a background health loop evicts unresponsive kernels
// and replenishes the floor (§4.4).
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/kernelbroker/internal/adminclient"
	"github.com/ocx/kernelbroker/internal/kernel"
)

// Config is the §3 Configuration subset the pool itself consumes.
type Config struct {
	MinKernels          int
	MaxKernels          int
	HealthCheckInterval time.Duration
	MaxRetryAttempts    int
	KernelTimeout       time.Duration
}

// DefaultConfig mirrors the original implementation's module-level
// constants (original_source/server.py).
func DefaultConfig() Config {
	return Config{
		MinKernels:          2,
		MaxKernels:          5,
		HealthCheckInterval: 30 * time.Second,
		MaxRetryAttempts:    3,
		KernelTimeout:       300 * time.Second,
	}
}

// Events is the subset of events.EventEmitter the pool consumes. Declared
// locally so the pool does not import the events package directly — any
// type with this method set (an *events.EventBus, a *events.PubSubEventBus,
// or a test double) satisfies it, mirroring the core's ProgressSink/
// KernelAdmin consumption style from spec §1.
type Events interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Metrics is the subset of collector methods the pool drives. Satisfied
// by *metrics.Collectors.
type Metrics interface {
	SetPoolSize(n int)
	SetBusy(n int)
	IncKernelCreated()
	IncKernelEvicted()
}

// Pool owns the kernel records and the busy set (§3 Pool state). Every
// mutation of kernels/order/busy happens under mu; every admin-surface
// call (Create/Delete/Probe) happens with mu released, per §5.
type Pool struct {
	cfg  Config
	host adminclient.KernelHost

	mu      sync.Mutex
	kernels map[string]*kernel.Record
	order   []string // deterministic scan order for Acquire (§4.4)
	busy    map[string]bool

	initMu      sync.Mutex
	initialized bool
	store       adminclient.PersistedKernelStore

	healthStop chan struct{}

	events  Events
	metrics Metrics
}

// New builds a pool against host (admin surface) and store (the
// discover-existing backend). The pool is inert until Initialize runs.
func New(cfg Config, host adminclient.KernelHost, store adminclient.PersistedKernelStore) *Pool {
	return &Pool{
		cfg:     cfg,
		host:    host,
		store:   store,
		kernels: make(map[string]*kernel.Record),
		busy:    make(map[string]bool),
	}
}

// SetEvents attaches an event emitter. Optional; nil is a valid no-op.
func (p *Pool) SetEvents(e Events) { p.events = e }

// SetMetrics attaches a metrics collector. Optional; nil is a valid no-op.
func (p *Pool) SetMetrics(m Metrics) { p.metrics = m }

func (p *Pool) emit(eventType, kernelID string, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	p.events.Emit(eventType, "kernelbroker.pool", kernelID, data)
}

// Initialize brings the pool up to MinKernels, adopting a persisted
// kernel id first if one probes healthy, then creating kernels until the
// floor is reached or creation fails. Idempotent: concurrent and repeat
// calls after the first completes return immediately (§4.4 Initialize).
func (p *Pool) Initialize(ctx context.Context) error {
	if p.isInitialized() {
		return nil
	}

	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.isInitialized() {
		return nil
	}

	slog.Info("initializing kernel pool", "min_kernels", p.cfg.MinKernels, "max_kernels", p.cfg.MaxKernels)

	if id, ok := adminclient.DiscoverExisting(ctx, p.store, p.host); ok {
		p.addKernel(id)
		slog.Info("adopted existing kernel into pool", "kernel_id", id)
	}

	for p.size() < p.cfg.MinKernels {
		id, err := p.host.Create(ctx)
		if err != nil {
			slog.Warn("failed to create kernel during initialize", "error", err)
			break
		}
		p.addKernel(id)
		slog.Info("created kernel during initialize", "kernel_id", id)
	}

	p.mu.Lock()
	p.healthStop = make(chan struct{})
	p.initialized = true
	p.mu.Unlock()

	go p.healthLoop()

	p.reportSize()
	slog.Info("kernel pool initialized", "size", p.size())
	return nil
}

// isInitialized is checked outside initMu so a second caller racing
// Initialize can tell quickly whether it even needs to contend for
// initMu, without waiting behind a first call's in-flight network work.
func (p *Pool) isInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Initialized reports whether Initialize has already completed, so a
// caller can decide whether to announce initialization progress before
// calling it.
func (p *Pool) Initialized() bool {
	return p.isInitialized()
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.kernels)
}

func (p *Pool) addKernel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.kernels[id]; exists {
		return
	}
	p.kernels[id] = kernel.NewRecord(id)
	p.order = append(p.order, id)
	if p.metrics != nil {
		p.metrics.IncKernelCreated()
	}
}

func (p *Pool) reportSize() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	size, busy := len(p.kernels), len(p.busy)
	p.mu.Unlock()
	p.metrics.SetPoolSize(size)
	p.metrics.SetBusy(busy)
}

// Acquire returns the id of a kernel eligible to drive one execution, or
// ErrNoKernelAvailable if none exists and the pool is already at
// MaxKernels (or creating a replacement failed). Acquire never blocks
// for a busy kernel to free up (§4.4 Acquire).
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	for _, id := range p.order {
		rec, ok := p.kernels[id]
		if !ok || p.busy[id] || !rec.IsAvailable() {
			continue
		}
		p.busy[id] = true
		rec.State = kernel.Busy
		rec.LastUsed = time.Now()
		p.mu.Unlock()
		p.emit("kernel.acquired", id, nil)
		p.reportSize()
		return id, nil
	}
	atCap := len(p.kernels) >= p.cfg.MaxKernels
	p.mu.Unlock()

	if atCap {
		return "", ErrNoKernelAvailable
	}

	id, err := p.host.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoKernelAvailable, err)
	}

	p.mu.Lock()
	rec := kernel.NewRecord(id)
	rec.State = kernel.Busy
	p.kernels[id] = rec
	p.order = append(p.order, id)
	p.busy[id] = true
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.IncKernelCreated()
	}
	p.emit("kernel.acquired", id, map[string]interface{}{"freshly_created": true})
	p.reportSize()
	return id, nil
}

// Release returns a kernel to the pool. If failed, its failure count is
// incremented and, once it reaches MaxRetryAttempts, the kernel is
// evicted and a best-effort replacement is created (§4.4 Release).
func (p *Pool) Release(ctx context.Context, id string, failed bool) {
	p.mu.Lock()
	delete(p.busy, id)
	rec, ok := p.kernels[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	evict := false
	if failed {
		rec.FailureCount++
		rec.State = kernel.Failed
		if rec.FailureCount >= p.cfg.MaxRetryAttempts {
			evict = true
			p.removeLocked(id)
		}
	} else {
		rec.State = kernel.Healthy
		rec.CurrentOperation = ""
	}
	p.mu.Unlock()

	p.emit("kernel.released", id, map[string]interface{}{"failed": failed})

	if evict {
		slog.Warn("kernel exceeded failure threshold, evicting", "kernel_id", id, "failures", rec.FailureCount)
		p.host.Delete(ctx, id)
		if p.metrics != nil {
			p.metrics.IncKernelEvicted()
		}
		p.emit("kernel.evicted", id, map[string]interface{}{"reason": "failure_threshold"})

		if newID, err := p.host.Create(ctx); err == nil {
			p.addKernel(newID)
			slog.Info("replaced evicted kernel", "old_kernel_id", id, "new_kernel_id", newID)
		} else {
			slog.Warn("failed to create replacement kernel after eviction", "error", err)
		}
	}

	p.reportSize()
}

// removeLocked deletes id from kernels/order/busy. Caller must hold mu.
func (p *Pool) removeLocked(id string) {
	delete(p.kernels, id)
	delete(p.busy, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// healthLoop runs until Shutdown closes healthStop (§4.4 Health loop,
// I5: at most one instance; New never starts it — only Initialize does).
func (p *Pool) healthLoop() {
	p.mu.Lock()
	stop := p.healthStop
	p.mu.Unlock()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.runHealthCheck()
		}
	}
}

func (p *Pool) runHealthCheck() {
	p.mu.Lock()
	var due []string
	for _, id := range p.order {
		rec := p.kernels[id]
		if rec == nil || p.busy[id] {
			continue
		}
		if rec.NeedsHealthCheck(p.cfg.HealthCheckInterval) {
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	var unresponsive []string
	for _, id := range due {
		ok := p.host.Probe(context.Background(), id)

		p.mu.Lock()
		if rec := p.kernels[id]; rec != nil {
			if ok {
				rec.State = kernel.Healthy
				rec.LastHealthCheck = time.Now()
			} else {
				rec.State = kernel.Unresponsive
			}
		}
		p.mu.Unlock()

		if !ok {
			unresponsive = append(unresponsive, id)
		}
	}

	for _, id := range unresponsive {
		slog.Warn("removing unresponsive kernel", "kernel_id", id)
		p.host.Delete(context.Background(), id)
		p.mu.Lock()
		p.removeLocked(id)
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.IncKernelEvicted()
		}
		p.emit("kernel.evicted", id, map[string]interface{}{"reason": "unresponsive"})
	}

	for p.size() < p.cfg.MinKernels {
		id, err := p.host.Create(context.Background())
		if err != nil {
			slog.Warn("failed to replenish pool to minimum", "error", err)
			break
		}
		p.addKernel(id)
		slog.Info("replenished pool", "kernel_id", id)
	}

	p.reportSize()
}

// Shutdown stops the health loop and deletes every kernel the pool
// still owns (§9: "torn down at shutdown by cancelling the health task
// and issuing DELETE for every known id").
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.healthStop != nil {
		close(p.healthStop)
		p.healthStop = nil
	}
	ids := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, id := range ids {
		p.host.Delete(ctx, id)
	}
}

// Stats returns a snapshot for the demo /stats endpoint.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := map[string]int{}
	for _, id := range p.order {
		counts[p.kernels[id].State.String()]++
	}

	return map[string]interface{}{
		"size":        len(p.kernels),
		"busy":        len(p.busy),
		"min_kernels": p.cfg.MinKernels,
		"max_kernels": p.cfg.MaxKernels,
		"by_state":    counts,
	}
}
