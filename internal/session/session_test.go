package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, parentID, msgType string, content map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"header":        map[string]string{"msg_type": msgType},
		"parent_header": map[string]string{"msg_id": parentID},
		"content":       content,
	})
	require.NoError(t, err)
	return raw
}

type collectingSink struct {
	mu      sync.Mutex
	updates []string
}

func (s *collectingSink) Progress(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, text)
	return nil
}

// S1: simple stdout print, one stream envelope then idle.
func TestRunSimpleOutput(t *testing.T) {
	sink := &collectingSink{}

	result := make(chan string, 1)
	errCh := make(chan error, 1)

	fc := &feedChannel{}
	go func() {
		out, err := Run(context.Background(), fc, "kernel-abc12345", "print('hi')", sink, DefaultOptions())
		if err != nil {
			errCh <- err
			return
		}
		result <- out
	}()

	msgID := fc.waitForSend(t)
	fc.deliver(envelope(t, msgID, "stream", map[string]interface{}{"text": "hi\n"}))
	fc.deliver(envelope(t, msgID, "status", map[string]interface{}{"execution_state": "idle"}))

	select {
	case out := <-result:
		assert.Equal(t, "hi\n", out)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	found := false
	for _, u := range sink.updates {
		if u == "hi" {
			found = true
		}
	}
	assert.True(t, found, "expected a progress update containing trimmed stream text")
}

// S2: remote execution error surfaces as RemoteExecutionError, not retried.
func TestRunRemoteExecutionError(t *testing.T) {
	fc := &feedChannel{}
	sink := &collectingSink{}

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), fc, "kernel-1", "1/0", sink, DefaultOptions())
		errCh <- err
	}()

	msgID := fc.waitForSend(t)
	fc.deliver(envelope(t, msgID, "error", map[string]interface{}{
		"ename":     "ZeroDivisionError",
		"traceback": []string{"Traceback...", "ZeroDivisionError: division by zero"},
	}))

	select {
	case err := <-errCh:
		require.Error(t, err)
		var remoteErr *RemoteExecutionError
		require.ErrorAs(t, err, &remoteErr)
		assert.Contains(t, remoteErr.Error(), "Execution Error:")
		assert.Contains(t, remoteErr.Error(), "ZeroDivisionError")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// P5: envelopes from another tenant's request on the same channel are discarded.
func TestRunFiltersForeignParent(t *testing.T) {
	fc := &feedChannel{}
	sink := &collectingSink{}

	result := make(chan string, 1)
	go func() {
		out, _ := Run(context.Background(), fc, "kernel-1", "print(1)", sink, DefaultOptions())
		result <- out
	}()

	msgID := fc.waitForSend(t)
	fc.deliver(envelope(t, "someone-elses-request", "stream", map[string]interface{}{"text": "not mine\n"}))
	fc.deliver(envelope(t, msgID, "stream", map[string]interface{}{"text": "mine\n"}))
	fc.deliver(envelope(t, msgID, "status", map[string]interface{}{"execution_state": "idle"}))

	select {
	case out := <-result:
		assert.Equal(t, "mine\n", out)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// S5: ten stream envelopes concatenate and each emits progress.
func TestRunConcatenatesMultipleStreamEnvelopes(t *testing.T) {
	fc := &feedChannel{}
	sink := &collectingSink{}

	result := make(chan string, 1)
	go func() {
		out, _ := Run(context.Background(), fc, "kernel-1", "for i in range(10): print('.', end='')", sink, DefaultOptions())
		result <- out
	}()

	msgID := fc.waitForSend(t)
	for i := 0; i < 10; i++ {
		fc.deliver(envelope(t, msgID, "stream", map[string]interface{}{"text": "."}))
	}
	fc.deliver(envelope(t, msgID, "status", map[string]interface{}{"execution_state": "idle"}))

	select {
	case out := <-result:
		assert.Equal(t, "..........", out)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	streamUpdates := 0
	for _, u := range sink.updates {
		if u == "." {
			streamUpdates++
		}
	}
	assert.Equal(t, 10, streamUpdates)
}

func TestRunNoOutputSentinel(t *testing.T) {
	fc := &feedChannel{}
	sink := &collectingSink{}

	result := make(chan string, 1)
	go func() {
		out, _ := Run(context.Background(), fc, "kernel-1", "x = 1", sink, DefaultOptions())
		result <- out
	}()

	msgID := fc.waitForSend(t)
	fc.deliver(envelope(t, msgID, "status", map[string]interface{}{"execution_state": "idle"}))

	select {
	case out := <-result:
		assert.Equal(t, noOutputMessage, out)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// P7: adaptive timeout — no envelopes for a while, then idle; at least
// one "Still executing..." update was emitted.
func TestRunAdaptiveTimeoutEmitsStillExecuting(t *testing.T) {
	fc := &feedChannel{}
	sink := &collectingSink{}

	opts := DefaultOptions()
	opts.ActiveRecvTimeout = 5 * time.Millisecond
	opts.NoActivityRecvTimeout = 5 * time.Millisecond
	opts.NoActivityThreshold = 1 * time.Millisecond
	opts.WSTimeout = 2 * time.Second

	result := make(chan string, 1)
	go func() {
		out, _ := Run(context.Background(), fc, "kernel-1", "slow()", sink, opts)
		result <- out
	}()

	msgID := fc.waitForSend(t)
	time.Sleep(50 * time.Millisecond) // let several recv-timeouts elapse
	fc.deliver(envelope(t, msgID, "status", map[string]interface{}{"execution_state": "idle"}))

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	sawStillExecuting := false
	for _, u := range sink.updates {
		if len(u) >= len("Still executing") && u[:len("Still executing")] == "Still executing" {
			sawStillExecuting = true
		}
	}
	assert.True(t, sawStillExecuting)
}

func TestRunWallClockTimeout(t *testing.T) {
	fc := &feedChannel{}
	sink := &collectingSink{}

	opts := DefaultOptions()
	opts.WSTimeout = 20 * time.Millisecond
	opts.ActiveRecvTimeout = 5 * time.Millisecond
	opts.NoActivityRecvTimeout = 5 * time.Millisecond

	_, err := Run(context.Background(), fc, "kernel-1", "sleep(9999)", sink, opts)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

// feedChannel lets a test goroutine observe the sent request and push
// envelopes asynchronously while Run's loop is blocked in Recv.
type feedChannel struct {
	mu       sync.Mutex
	sentOnce chan []byte
	queue    chan []byte
	initOnce sync.Once
}

func (f *feedChannel) init() {
	f.initOnce.Do(func() {
		f.sentOnce = make(chan []byte, 1)
		f.queue = make(chan []byte, 64)
	})
}

func (f *feedChannel) Send(payload []byte) error {
	f.init()
	f.sentOnce <- payload
	return nil
}

func (f *feedChannel) Recv(timeout time.Duration) ([]byte, bool, error) {
	f.init()
	select {
	case m := <-f.queue:
		return m, true, nil
	case <-time.After(timeout):
		return nil, false, nil
	}
}

func (f *feedChannel) Close() error { return nil }

func (f *feedChannel) waitForSend(t *testing.T) string {
	t.Helper()
	f.init()
	select {
	case payload := <-f.sentOnce:
		var env struct {
			Header struct {
				MsgID string `json:"msg_id"`
			} `json:"header"`
		}
		require.NoError(t, json.Unmarshal(payload, &env))
		return env.Header.MsgID
	case <-time.After(time.Second):
		t.Fatal("Run never sent a request")
		return ""
	}
}

func (f *feedChannel) deliver(raw []byte) {
	f.init()
	f.queue <- raw
}
