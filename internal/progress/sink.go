// Package progress defines the ProgressSink contract consumed by the
// core: a capability for receiving incremental status text, distinct
// from an execution's final return value.
package progress

// Sink accepts a single incremental progress update. The core invokes
// it opportunistically; any error it returns is ignored — a broken sink
// must never fail an execution.
type Sink interface {
	Progress(text string) error
}

// Func adapts a plain function to the Sink interface.
type Func func(text string) error

func (f Func) Progress(text string) error { return f(text) }

// Noop discards all progress updates.
var Noop Sink = Func(func(string) error { return nil })

// Emit sends text to sink if sink is non-nil, swallowing any error the
// sink returns (the contract treats sink failures as non-fatal).
func Emit(sink Sink, text string) {
	if sink == nil {
		return
	}
	_ = sink.Progress(text)
}
