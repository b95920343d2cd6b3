package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the taxonomy tag carried on failed tasks and mapped to
// JSON-RPC error codes by the transport.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindInvalidParams  ErrorKind = "InvalidParams"
	KindNotFound       ErrorKind = "NotFound"
	KindInvalidState   ErrorKind = "InvalidState"
	KindAgentNotFound  ErrorKind = "AgentNotFound"
	KindAgentExecution ErrorKind = "AgentExecutionError"
	KindInvalidMessage ErrorKind = "InvalidMessage"
	KindTimeout        ErrorKind = "Timeout"
	KindNotReady       ErrorKind = "NotReady"
	KindInternal       ErrorKind = "InternalError"
)

var (
	ErrInvalidParams  = errors.New("invalid params")
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentExecution = errors.New("agent execution error")
	ErrInvalidMessage = errors.New("invalid message")
	ErrTimeout        = errors.New("agent timeout")
	ErrNotReady       = errors.New("not ready")
	ErrInternal       = errors.New("internal error")
)

var kindBySentinel = []struct {
	err  error
	kind ErrorKind
}{
	{ErrAgentExecution, KindAgentExecution},
	{ErrInvalidParams, KindInvalidParams},
	{ErrNotFound, KindNotFound},
	{ErrInvalidState, KindInvalidState},
	{ErrAgentNotFound, KindAgentNotFound},
	{ErrInvalidMessage, KindInvalidMessage},
	{ErrTimeout, KindTimeout},
	{ErrNotReady, KindNotReady},
	{ErrInternal, KindInternal},
}

// Kind classifies err against the sentinel taxonomy. An agent execution
// error wins over whatever the agent itself wrapped. Unknown errors are
// reported as KindInternal; nil yields KindNone.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ks := range kindBySentinel {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return KindInvalidParams
	}
	return KindInternal
}

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Err returns nil when nothing was recorded so callers can write
// `return ve.Err()` unconditionally.
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}
