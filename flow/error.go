package flow

import "fmt"

// Kind classifies a workflow failure. The kind decides how the engine and
// the workflows react: transient errors are retried, contract and policy
// errors are surfaced without retry, resource errors abort the run.
type Kind string

const (
	// KindTransient: temporary backend failure, safe to retry.
	KindTransient Kind = "transient"

	// KindContract: a tool call violated its input or output contract.
	KindContract Kind = "contract"

	// KindPolicy: the gate rejected the action.
	KindPolicy Kind = "policy"

	// KindPlanner: the LLM produced an unusable plan or response.
	KindPlanner Kind = "planner"

	// KindResource: a limit was hit (max steps, stalled stream, timeout).
	KindResource Kind = "resource"

	// KindInternal: engine or store malfunction.
	KindInternal Kind = "internal"
)

// Error is the classified workflow error.
type Error struct {
	Kind    Kind
	Message string
	Node    string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Node != "" {
		msg = "node " + e.Node + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient, letting the tool
// runner's retry detection see through wrapped flow errors.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Errf builds a classified error.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
