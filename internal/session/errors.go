package session

import "fmt"

// RemoteExecutionError wraps a kernel `error` envelope's traceback. It
// is a user error (bad code), not an infrastructure failure: the engine
// must not retry it and the pool must release the kernel healthy.
type RemoteExecutionError struct {
	Traceback []string
}

func (e *RemoteExecutionError) Error() string {
	return "Execution Error:\n" + joinLines(e.Traceback)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// TimeoutError is raised when an execution exceeds its wall-clock
// ceiling without reaching an idle status.
type TimeoutError struct {
	KernelID string
	Elapsed  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s on kernel %s", e.Elapsed, e.KernelID)
}

// ChannelOpenFailure is raised when the channel to a kernel could not be
// established at all (dial failure, handshake failure).
type ChannelOpenFailure struct {
	KernelID string
	Cause    error
}

func (e *ChannelOpenFailure) Error() string {
	return fmt.Sprintf("failed to open channel to kernel %s: %v", e.KernelID, e.Cause)
}

func (e *ChannelOpenFailure) Unwrap() error { return e.Cause }

// ChannelClosedError is raised when the channel closes before an idle
// status for the in-flight request is observed.
type ChannelClosedError struct {
	KernelID string
	Cause    error
}

func (e *ChannelClosedError) Error() string {
	return fmt.Sprintf("channel to kernel %s closed unexpectedly: %v", e.KernelID, e.Cause)
}

func (e *ChannelClosedError) Unwrap() error { return e.Cause }

// ChannelProtocolError wraps any other channel-level failure (request
// build failure, write failure, context cancellation mid-session).
type ChannelProtocolError struct {
	KernelID string
	Cause    error
}

func (e *ChannelProtocolError) Error() string {
	return fmt.Sprintf("channel error with kernel %s: %v", e.KernelID, e.Cause)
}

func (e *ChannelProtocolError) Unwrap() error { return e.Cause }
