package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSSEStreamWritesConnectedThenMatchingEvents(t *testing.T) {
	bus := NewEventBus()
	handler := HandleSSEStream(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?events=kernel.acquired", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, time.Second, time.Millisecond, "handler should have subscribed")

	bus.Emit("kernel.acquired", "kernelbroker.pool", "kernel-1", map[string]interface{}{"attempt": 1})
	bus.Emit("execution.failed", "kernelbroker.engine", "kernel-1", nil) // filtered out by the events= query param

	require.Eventually(t, func() bool {
		return strings.Count(rec.Body.String(), "event: ") >= 2
	}, time.Second, time.Millisecond, "expected the connected banner plus one matching event")

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: kernel.acquired")
	assert.NotContains(t, body, "event: execution.failed")

	scanner := bufio.NewScanner(strings.NewReader(body))
	lineCount := 0
	for scanner.Scan() {
		lineCount++
	}
	assert.Greater(t, lineCount, 0)
}

func TestHandleSSEStreamRejectsNonFlushableWriter(t *testing.T) {
	bus := NewEventBus()
	handler := HandleSSEStream(bus)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := &nonFlushingWriter{header: make(http.Header)}

	handler(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.status)
}

type nonFlushingWriter struct {
	header http.Header
	status int
	body   strings.Builder
}

func (w *nonFlushingWriter) Header() http.Header { return w.header }
func (w *nonFlushingWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}
func (w *nonFlushingWriter) WriteHeader(status int) { w.status = status }
