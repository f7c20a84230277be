// Package engine defines the ProcessingUnit boundary between the dispatcher
// and a text-recognition engine.
package engine

// Outcome is what a unit reports for a single recognition attempt.
type Outcome struct {
	Text         string
	Success      bool
	ErrorMessage string
	// Terminal marks failures that will not change on retry (e.g. the image
	// cannot be decoded).
	Terminal bool
}

// Unit wraps one engine instance. A Unit is only ever called from the worker
// that owns it, so implementations need not be safe for concurrent use.
type Unit interface {
	Recognize(image []byte) Outcome
	Close() error
}

// Factory creates the unit bound to worker id.
type Factory func(id int) (Unit, error)

// Recognized reports a successful attempt.
func Recognized(text string) Outcome {
	return Outcome{Text: text, Success: true}
}

// Failed reports a failure that may succeed on a later attempt.
func Failed(msg string) Outcome {
	return Outcome{ErrorMessage: msg}
}

// Rejected reports a failure that retrying cannot fix.
func Rejected(msg string) Outcome {
	return Outcome{ErrorMessage: msg, Terminal: true}
}
