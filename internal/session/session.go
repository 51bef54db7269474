// Package session drives exactly one code execution to completion over
// one open kernel channel: it sends the execute_request, demultiplexes
// the resulting envelope stream by parent msg_id, forwards stream
// output as progress, and terminates on idle/error/timeout.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ocx/kernelbroker/internal/progress"
	"github.com/ocx/kernelbroker/internal/wire"
)

const (
	noOutputMessage = "[Execution successful with no output]"
)

// Options configures the adaptive receive timeout and wall-clock
// ceiling (§3 Configuration table, §4.2 Adaptive receive).
type Options struct {
	WSTimeout             time.Duration
	ActiveRecvTimeout     time.Duration
	NoActivityRecvTimeout time.Duration
	NoActivityThreshold   time.Duration
}

// DefaultOptions matches the §3/§4.2 defaults.
func DefaultOptions() Options {
	return Options{
		WSTimeout:             600 * time.Second,
		ActiveRecvTimeout:     5 * time.Second,
		NoActivityRecvTimeout: 30 * time.Second,
		NoActivityThreshold:   60 * time.Second,
	}
}

// Run drives one execution of code on the given channel, reporting
// progress to sink, and returns the aggregated output text. kernelID is
// used only for log/progress messages and error attribution.
func Run(ctx context.Context, ch Channel, kernelID, code string, sink progress.Sink, opts Options) (string, error) {
	msgID, payload, err := wire.NewExecuteRequest(code)
	if err != nil {
		return "", &ChannelProtocolError{KernelID: kernelID, Cause: fmt.Errorf("build request: %w", err)}
	}

	if err := ch.Send(payload); err != nil {
		return "", &ChannelProtocolError{KernelID: kernelID, Cause: fmt.Errorf("send request: %w", err)}
	}

	slog.Info("sent execute_request", "kernel_id", kernelID, "msg_id", msgID)

	shortID := kernelID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	progress.Emit(sink, fmt.Sprintf("Executing on kernel %s...", shortID))

	var output strings.Builder
	start := time.Now()
	lastActivity := start

	for {
		select {
		case <-ctx.Done():
			return "", &ChannelProtocolError{KernelID: kernelID, Cause: ctx.Err()}
		default:
		}

		elapsed := time.Since(start)
		if elapsed >= opts.WSTimeout {
			return "", &TimeoutError{KernelID: kernelID, Elapsed: elapsed.Round(time.Second).String()}
		}

		recvTimeout := opts.ActiveRecvTimeout
		if time.Since(lastActivity) > opts.NoActivityThreshold {
			recvTimeout = opts.NoActivityRecvTimeout
		}
		// Never read past the overall deadline.
		if remaining := opts.WSTimeout - elapsed; recvTimeout > remaining {
			recvTimeout = remaining
		}

		raw, ok, err := ch.Recv(recvTimeout)
		if err != nil {
			return "", &ChannelClosedError{KernelID: kernelID, Cause: err}
		}
		if !ok {
			progress.Emit(sink, fmt.Sprintf("Still executing... (%d seconds elapsed)", int(time.Since(start).Seconds())))
			continue
		}

		lastActivity = time.Now()

		in, perr := wire.Parse(raw)
		if perr != nil {
			slog.Warn("skipping malformed envelope", "kernel_id", kernelID, "error", perr)
			continue
		}

		if in.ParentMsgID != msgID {
			continue
		}

		switch in.Kind {
		case wire.KindStream:
			output.WriteString(in.StreamText)
			progress.Emit(sink, strings.TrimRight(in.StreamText, " \t\r\n"))

		case wire.KindExecuteResult, wire.KindDisplayData:
			output.WriteString(in.ResultText)

		case wire.KindError:
			return "", &RemoteExecutionError{Traceback: in.Traceback}

		case wire.KindStatus:
			if in.ExecutionState == "idle" {
				progress.Emit(sink, "Execution completed")
				if output.Len() == 0 {
					return noOutputMessage, nil
				}
				return output.String(), nil
			}

		case wire.KindOther:
			// forward-compatible: ignore
		}
	}
}
