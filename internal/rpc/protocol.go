// Package rpc exposes the task API as JSON-RPC 2.0 over HTTP, plus a
// server-sent events stream of task snapshots.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/msageha/a2a_engine/internal/model"
)

const Version = "2.0"

// Method names.
const (
	MethodCreate   = "tasks/create"
	MethodGet      = "tasks/get"
	MethodCancel   = "tasks/cancel"
	MethodInput    = "tasks/input"
	MethodDiscover = "agents/discover"
)

// Standard and server-defined error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound     = -32001
	CodeInvalidState = -32002
	CodeNotReady     = -32003
)

// Request is the wire form of a call. ID is kept raw so it can be echoed
// unchanged; a nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind maps a wire error back to the engine taxonomy.
func (e *Error) Kind() model.ErrorKind {
	switch e.Code {
	case CodeInvalidParams:
		return model.KindInvalidParams
	case CodeNotFound:
		return model.KindNotFound
	case CodeInvalidState:
		return model.KindInvalidState
	case CodeNotReady:
		return model.KindNotReady
	}
	return model.KindInternal
}

// HTTPStatus returns the status code sent with an error response.
func HTTPStatus(code int) int {
	switch code {
	case CodeParseError, CodeInvalidRequest, CodeInvalidParams:
		return http.StatusBadRequest
	case CodeMethodNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeNotReady:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var nullID = json.RawMessage("null")

// validID reports whether raw is a legal request id: a string, a number
// or null.
func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"':
		var s string
		return json.Unmarshal(raw, &s) == nil
	case 'n':
		return bytes.Equal(raw, nullID)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	}
	return false
}

// Params accepted by the task methods.

type TaskIDParams struct {
	TaskID string `json:"taskId"`
	// ID is accepted as an alias of TaskID.
	ID string `json:"id,omitempty"`
}

func (p TaskIDParams) taskID() string {
	if p.TaskID != "" {
		return p.TaskID
	}
	return p.ID
}

type InputParams struct {
	TaskIDParams
	Message *model.InputResponse `json:"message,omitempty"`
	Answer  string               `json:"answer,omitempty"`
	Values  map[string]string    `json:"values,omitempty"`
}

func (p InputParams) input() model.InputResponse {
	if p.Message != nil {
		return *p.Message
	}
	return model.InputResponse{Answer: p.Answer, Values: p.Values}
}

type DiscoverResult struct {
	Agents []model.AgentDescriptor `json:"agents"`
}
