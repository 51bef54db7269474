package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/kernelbroker/internal/pool"
	"github.com/ocx/kernelbroker/internal/session"
)

// scriptedChannel answers exactly one execute_request with a
// pre-decided response envelope, discovering the request's msg_id from
// the payload the session actually sends it.
type scriptedChannel struct {
	mu        sync.Mutex
	msgID     string
	ready     chan struct{}
	delivered bool
	build     func(msgID string) []byte
}

func newScriptedChannel(build func(msgID string) []byte) *scriptedChannel {
	return &scriptedChannel{ready: make(chan struct{}), build: build}
}

func (c *scriptedChannel) Send(payload []byte) error {
	var env struct {
		Header struct {
			MsgID string `json:"msg_id"`
		} `json:"header"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgID = env.Header.MsgID
	c.mu.Unlock()
	close(c.ready)
	return nil
}

func (c *scriptedChannel) Recv(timeout time.Duration) ([]byte, bool, error) {
	select {
	case <-c.ready:
	case <-time.After(timeout):
		return nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		time.Sleep(timeout)
		return nil, false, nil
	}
	c.delivered = true
	return c.build(c.msgID), true, nil
}

func (c *scriptedChannel) Close() error { return nil }

func idleEnvelope(msgID string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"header":        map[string]string{"msg_type": "status"},
		"parent_header": map[string]string{"msg_id": msgID},
		"content":       map[string]string{"execution_state": "idle"},
	})
	return raw
}

func errorEnvelope(msgID string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"header":        map[string]string{"msg_type": "error"},
		"parent_header": map[string]string{"msg_id": msgID},
		"content":       map[string]interface{}{"traceback": []string{"ZeroDivisionError: division by zero"}},
	})
	return raw
}

// fakeDialer fails its first N Dial calls with a ChannelOpenFailure,
// then succeeds by returning scriptedChannels that answer with
// buildReply (an idle status when buildReply is nil).
type fakeDialer struct {
	mu          sync.Mutex
	calls       int
	failFirst   int
	buildReply  func(msgID string) []byte
}

func (d *fakeDialer) Dial(ctx context.Context, kernelID string) (session.Channel, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()

	if n <= d.failFirst {
		return nil, &session.ChannelOpenFailure{KernelID: kernelID, Cause: errors.New("connection refused")}
	}
	build := d.buildReply
	if build == nil {
		build = idleEnvelope
	}
	return newScriptedChannel(build), nil
}

type fakeHost struct {
	mu     sync.Mutex
	nextID int64
}

func (f *fakeHost) Create(ctx context.Context) (string, error) {
	id := atomic.AddInt64(&f.nextID, 1)
	return fmt.Sprintf("kernel-%d", id), nil
}
func (f *fakeHost) Delete(ctx context.Context, id string) {}
func (f *fakeHost) Probe(ctx context.Context, id string) bool { return true }
func (f *fakeHost) WSBase() string                            { return "ws://example.invalid" }

type noStore struct{}

func (noStore) Load(ctx context.Context) (string, error)  { return "", nil }
func (noStore) Save(ctx context.Context, id string) error { return nil }
func (noStore) Clear(ctx context.Context) error           { return nil }

func testConfig(maxAttempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxRetryAttempts = maxAttempts
	cfg.RetryBackoffBase = 1
	cfg.Session.WSTimeout = 2 * time.Second
	cfg.Session.ActiveRecvTimeout = 200 * time.Millisecond
	cfg.Session.NoActivityRecvTimeout = 200 * time.Millisecond
	cfg.Session.NoActivityThreshold = time.Hour
	return cfg
}

func TestExecuteSucceedsOnFirstAttempt(t *testing.T) {
	host := &fakeHost{}
	p := pool.New(pool.Config{MinKernels: 1, MaxKernels: 2, HealthCheckInterval: time.Hour, MaxRetryAttempts: 3}, host, noStore{})
	require.NoError(t, p.Initialize(context.Background()))

	e := New(p, &fakeDialer{}, testConfig(3))
	out := e.Execute(context.Background(), "print(1)", nil)
	assert.Equal(t, "[Execution successful with no output]", out)
}

// P6: retry idempotence — a deterministically successful execution
// returns the same output regardless of how many transient channel
// failures precede it, up to MaxRetryAttempts.
func TestExecuteRetriesTransientFailureThenSucceeds(t *testing.T) {
	host := &fakeHost{}
	p := pool.New(pool.Config{MinKernels: 2, MaxKernels: 2, HealthCheckInterval: time.Hour, MaxRetryAttempts: 5}, host, noStore{})
	require.NoError(t, p.Initialize(context.Background()))

	dialer := &fakeDialer{failFirst: 1}
	e := New(p, dialer, testConfig(3))

	out := e.Execute(context.Background(), "print(1)", nil)
	assert.Equal(t, "[Execution successful with no output]", out)
}

// S4: a channel that never opens exhausts all attempts, the engine
// surfaces "Error: ...", and (with a single-kernel pool) the kernel is
// evicted once its failure count reaches the pool's threshold.
func TestExecuteExhaustsRetriesAndEvictsKernel(t *testing.T) {
	host := &fakeHost{}
	p := pool.New(pool.Config{MinKernels: 1, MaxKernels: 1, HealthCheckInterval: time.Hour, MaxRetryAttempts: 3}, host, noStore{})
	require.NoError(t, p.Initialize(context.Background()))

	dialer := &fakeDialer{failFirst: 1000}
	e := New(p, dialer, testConfig(3))

	out := e.Execute(context.Background(), "print(1)", nil)
	assert.True(t, strings.HasPrefix(out, "Error:"), "got %q", out)

	stats := p.Stats()
	assert.Equal(t, 1, stats["size"], "the failed kernel should have been evicted and replaced, keeping size at 1")
}

// S2: a kernel `error` envelope surfaces immediately as
// "Execution Error:\n..." without retrying, and the kernel is released
// healthy (not failed).
func TestExecuteSurfacesRemoteErrorWithoutRetry(t *testing.T) {
	host := &fakeHost{}
	p := pool.New(pool.Config{MinKernels: 1, MaxKernels: 1, HealthCheckInterval: time.Hour, MaxRetryAttempts: 3}, host, noStore{})
	require.NoError(t, p.Initialize(context.Background()))

	dialer := &fakeDialer{buildReply: errorEnvelope}
	e := New(p, dialer, testConfig(3))

	out := e.Execute(context.Background(), "1/0", nil)
	require.True(t, strings.HasPrefix(out, "Execution Error:"), "got %q", out)
	assert.Contains(t, out, "ZeroDivisionError")
	assert.Equal(t, 1, dialer.calls, "remote errors must not be retried")

	id, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
