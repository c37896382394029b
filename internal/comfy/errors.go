package comfy

import (
	"errors"
	"fmt"
)

// ErrNoHistory means the server has no record of the prompt.
var ErrNoHistory = errors.New("comfy: prompt not found in history")

// ErrWatchTimeout is returned when the completion wait exceeds its deadline.
// The prompt keeps running on the server.
var ErrWatchTimeout = errors.New("comfy: timed out waiting for execution to finish")

// StatusError is a non-2xx reply.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("comfy %s: http %d", e.Op, e.Code)
	}
	return fmt.Sprintf("comfy %s: http %d: %s", e.Op, e.Code, e.Body)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool { return e.Code >= 500 || e.Code == 429 }

// TransportError wraps connection-level failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string   { return fmt.Sprintf("comfy %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Temporary() bool { return true }

// PromptError is a workflow the server refused to queue.
type PromptError struct {
	Body string
}

func (e *PromptError) Error() string { return "comfy rejected prompt: " + e.Body }

// ExecutionError is an execution_error event for the watched prompt.
type ExecutionError struct {
	PromptID string
	NodeID   string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at node %s (%s): %s", e.NodeID, e.NodeType, e.Message)
}

// InterruptedError is an execution_interrupted event for the watched prompt.
type InterruptedError struct {
	PromptID string
}

func (e *InterruptedError) Error() string { return "execution interrupted: " + e.PromptID }

func asStatus(err error, target **StatusError) bool { return errors.As(err, target) }
