// Package completion wraps streaming LLM calls behind a small gateway
// contract. Provider and stream failures come back as classified events
// on the result instead of errors, so the memory pipelines degrade to
// their fallbacks without killing the host turn.
package completion

import "context"

// Request is a single-prompt completion. Subconscious calls run at
// temperature 0; the failover retry runs at 0.3.
type Request struct {
	Prompt      string
	Model       string
	Temperature float64
}

// Result carries the collected stream text. ErrorKind is empty on a
// clean run; a non-empty kind with empty text marks a dead call.
type Result struct {
	Text      string
	ErrorKind ErrorKind
}

// Failed reports whether the stream emitted an error event.
func (r Result) Failed() bool { return r.ErrorKind != "" }

// Gateway is the completion capability. The error return is reserved
// for request validation; anything the provider does wrong lands in
// Result.ErrorKind.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Result, error)
}
