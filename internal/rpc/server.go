package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/manager"
	"github.com/msageha/a2a_engine/internal/metrics"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/stream"
)

// TaskService is the task API served over the wire.
type TaskService interface {
	CreateTask(ctx context.Context, p manager.CreateParams) (*model.Task, error)
	GetTaskStatus(ctx context.Context, taskID string) (*model.Task, error)
	CancelTask(ctx context.Context, taskID string) (*model.Task, error)
	SubmitTaskInput(ctx context.Context, taskID string, input model.InputResponse) (*model.Task, error)
	DiscoverAgents() []model.AgentDescriptor
	Watch(ctx context.Context, taskID string) (*stream.Subscription, error)
}

type Options struct {
	// Production hides internal error details from responses.
	Production   bool
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

type methodFunc func(ctx context.Context, params json.RawMessage) (any, error)

type Server struct {
	svc     TaskService
	opts    Options
	logger  *logging.Logger
	mux     *http.ServeMux
	methods map[string]methodFunc
	ready   atomic.Bool

	srv *http.Server
}

func NewServer(svc TaskService, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: opts.Logger.With("rpc"),
		mux:    http.NewServeMux(),
	}
	s.methods = map[string]methodFunc{
		MethodCreate:   s.create,
		MethodGet:      s.get,
		MethodCancel:   s.cancel,
		MethodInput:    s.input,
		MethodDiscover: s.discover,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /rpc", s.handleRPC)
	s.mux.HandleFunc("POST /{$}", s.handleRPC)
	s.mux.HandleFunc("GET /tasks/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.mux.HandleFunc("GET /metrics", s.opts.Metrics.Handler())
	}
}

// SetReady opens or closes the readiness gate. Calls made while closed are
// refused with CodeNotReady.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully. A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.ready.Store(false)
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	if !s.Ready() {
		status = "starting"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{"status": status, "ready": s.Ready()})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, nullID, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "request body too large"})
			return
		}
		s.writeError(w, nullID, &Error{Code: CodeParseError, Message: "Parse error"})
		return
	}

	req, id, rpcErr := parseRequest(body)
	if rpcErr != nil {
		s.writeError(w, id, rpcErr)
		return
	}
	notification := req.ID == nil

	if !s.Ready() {
		s.finish(w, req, nil, &Error{Code: CodeNotReady, Message: "Server not ready"}, notification)
		return
	}

	method, ok := s.methods[req.Method]
	if !ok {
		s.finish(w, req, nil, &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: req.Method}, notification)
		return
	}

	result, err := s.call(r.Context(), method, req)
	if err != nil {
		s.finish(w, req, nil, s.errorFor(req.Method, err), notification)
		return
	}
	s.finish(w, req, result, nil, notification)
}

// parseRequest validates the envelope. The returned id is echoed in error
// responses and is null when it could not be read.
func parseRequest(body []byte) (*Request, json.RawMessage, *Error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, nullID, &Error{Code: CodeParseError, Message: "Parse error"}
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, nullID, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "batch requests are not supported"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, nullID, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "request must be an object"}
	}

	req := &Request{}
	id := nullID
	if raw, ok := fields["id"]; ok {
		if !validID(raw) {
			return nil, nullID, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "id must be a string, number or null"}
		}
		req.ID = raw
		id = raw
	}
	if err := json.Unmarshal(fields["jsonrpc"], &req.JSONRPC); err != nil || req.JSONRPC != Version {
		return nil, id, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: `jsonrpc must be "2.0"`}
	}
	if err := json.Unmarshal(fields["method"], &req.Method); err != nil || req.Method == "" {
		return nil, id, &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "method must be a non-empty string"}
	}
	if raw, ok := fields["params"]; ok {
		req.Params = raw
	}
	return req, id, nil
}

// call runs a method, converting a panic into an internal error.
func (s *Server) call(ctx context.Context, fn methodFunc, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic in %s: %v\n%s", req.Method, r, debug.Stack())
			result = nil
			err = fmt.Errorf("%w: panic: %v", model.ErrInternal, r)
		}
	}()
	return fn(ctx, req.Params)
}

func (s *Server) errorFor(method string, err error) *Error {
	detail := err.Error()
	switch model.Kind(err) {
	case model.KindInvalidParams:
		return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: detail}
	case model.KindNotFound:
		return &Error{Code: CodeNotFound, Message: "Task not found", Data: detail}
	case model.KindInvalidState:
		return &Error{Code: CodeInvalidState, Message: "Invalid state", Data: detail}
	case model.KindNotReady:
		return &Error{Code: CodeNotReady, Message: "Server not ready"}
	}
	s.logger.Errorf("%s failed: %v", method, err)
	e := &Error{Code: CodeInternalError, Message: "Internal error"}
	if !s.opts.Production {
		e.Data = detail
	}
	return e
}

func (s *Server) finish(w http.ResponseWriter, req *Request, result any, rpcErr *Error, notification bool) {
	if notification {
		if rpcErr != nil {
			s.logger.Debugf("notification %s failed: %v", req.Method, rpcErr)
		}
		s.record(rpcErr != nil)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, req.ID, s.errorFor(req.Method, fmt.Errorf("%w: encode result: %v", model.ErrInternal, err)))
		return
	}
	s.record(false)
	s.write(w, http.StatusOK, Response{JSONRPC: Version, Result: raw, ID: req.ID})
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, rpcErr *Error) {
	if id == nil {
		id = nullID
	}
	s.record(true)
	s.write(w, HTTPStatus(rpcErr.Code), Response{JSONRPC: Version, Error: rpcErr, ID: id})
}

func (s *Server) write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warnf("write response: %v", err)
	}
}

func (s *Server) record(failed bool) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRPC(failed)
	}
}

// decodeParams unmarshals params into v. Absent or null params decode as
// an empty object; positional params are rejected.
func decodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return nil
	}
	if raw[0] != '{' {
		return fmt.Errorf("%w: params must be an object", model.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidParams, err)
	}
	return nil
}

func (s *Server) create(ctx context.Context, raw json.RawMessage) (any, error) {
	var p manager.CreateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.svc.CreateTask(ctx, p)
}

func (s *Server) get(ctx context.Context, raw json.RawMessage) (any, error) {
	var p TaskIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.svc.GetTaskStatus(ctx, p.taskID())
}

func (s *Server) cancel(ctx context.Context, raw json.RawMessage) (any, error) {
	var p TaskIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.svc.CancelTask(ctx, p.taskID())
}

func (s *Server) input(ctx context.Context, raw json.RawMessage) (any, error) {
	var p InputParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.svc.SubmitTaskInput(ctx, p.taskID(), p.input())
}

func (s *Server) discover(ctx context.Context, raw json.RawMessage) (any, error) {
	return DiscoverResult{Agents: s.svc.DiscoverAgents()}, nil
}

// handleEvents streams task snapshots as server-sent events until the task
// reaches a terminal state or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		s.writeError(w, nullID, &Error{Code: CodeNotReady, Message: "Server not ready"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.svc.Watch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, nullID, s.errorFor("watch", err))
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C():
			if !ok {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Warnf("encode snapshot task=%s: %v", snap.ID, err)
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
