// Package adminclient talks to the kernel host's administrative HTTP
// surface (create/delete/probe a kernel) and resolves the one
// persisted, adoptable kernel id at startup.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/kernelbroker/internal/circuitbreaker"
	"github.com/ocx/kernelbroker/internal/session"
)

// Errors produced by the admin client (§7).
var (
	// ErrCreateFailed wraps any non-201 or transport failure on create.
	ErrCreateFailed = fmt.Errorf("kernel create failed")
)

const (
	createTimeout = 30 * time.Second
	deleteTimeout = 10 * time.Second
	probeTimeout  = 10 * time.Second
)

// KernelHost abstracts the origin of the kernel admin surface — plain
// HTTP per §6 by default, or a provisioned container (DockerKernelHost)
// for self-hosted development. Mirrors the teacher's PoolBackend
// abstraction (DESIGN.md).
type KernelHost interface {
	// Create provisions a new kernel and returns its id.
	Create(ctx context.Context) (id string, err error)
	// Delete removes a kernel. Failures are logged, not propagated
	// (§4.3 Delete, §7 AdminFailure).
	Delete(ctx context.Context, id string)
	// Probe opens a channel to id and runs a trivial execution,
	// returning true only if an idle status for it is observed.
	Probe(ctx context.Context, id string) bool
	// WSBase returns the WebSocket base URL kernel channels are dialed
	// against for kernels this host creates.
	WSBase() string
}

// HTTPKernelAdmin implements KernelHost against a Jupyter-protocol
// kernel gateway reachable over HTTP/WebSocket, exactly per §6.
type HTTPKernelAdmin struct {
	httpBase string
	wsBase   string
	client   *http.Client
	breakers *circuitbreaker.AdminBreakers
}

// NewHTTPKernelAdmin builds an admin client against the given HTTP and
// WebSocket base URLs (e.g. "http://127.0.0.1:8888" /
// "ws://127.0.0.1:8888").
func NewHTTPKernelAdmin(httpBase, wsBase string) *HTTPKernelAdmin {
	return &HTTPKernelAdmin{
		httpBase: httpBase,
		wsBase:   wsBase,
		client:   &http.Client{},
		breakers: circuitbreaker.NewAdminBreakers(),
	}
}

func (a *HTTPKernelAdmin) WSBase() string { return a.wsBase }

// BreakerStatus reports the admin surface's circuit breaker states, for
// the operator-facing /stats endpoint.
func (a *HTTPKernelAdmin) BreakerStatus() map[string]string {
	return a.breakers.StateSnapshot()
}

// Create POSTs {"name":"python3"} to {base}/api/kernels and returns the
// response's id field.
func (a *HTTPKernelAdmin) Create(ctx context.Context) (string, error) {
	result, err := a.breakers.Create.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return a.doCreate(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return result.(string), nil
}

func (a *HTTPKernelAdmin) doCreate(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"name": "python3"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.httpBase+"/api/kernels", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return payload.ID, nil
}

// Delete issues DELETE {base}/api/kernels/{id}. A failure is logged,
// never propagated — the caller removes the record either way (§4.3).
func (a *HTTPKernelAdmin) Delete(ctx context.Context, id string) {
	_, err := a.breakers.Delete.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, a.doDelete(ctx, id)
	})
	if err != nil {
		slog.Warn("kernel delete failed", "kernel_id", id, "error", err)
	}
}

func (a *HTTPKernelAdmin) doDelete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.httpBase+"/api/kernels/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Probe opens a channel to id, sends the trivial code "1+1", and waits
// up to 10s for an idle status for that request. It does not require
// the value 2 to appear — only that the kernel completes an execution
// cycle (§4.3 Probe).
func (a *HTTPKernelAdmin) Probe(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	ch, err := session.DialWSChannel(ctx, a.wsBase, id, 0, probeTimeout)
	if err != nil {
		slog.Warn("probe dial failed", "kernel_id", id, "error", err)
		return false
	}
	defer ch.Close()

	opts := session.Options{
		WSTimeout:             probeTimeout,
		ActiveRecvTimeout:     2 * time.Second,
		NoActivityRecvTimeout: 2 * time.Second,
		NoActivityThreshold:   time.Hour,
	}
	_, err = session.Run(ctx, ch, id, "1+1", nil, opts)
	if err != nil {
		slog.Warn("probe execution failed", "kernel_id", id, "error", err)
		return false
	}
	return true
}
