// Package ipc runs the process-wide JSON-RPC endpoint agents report into.
// One server serves every in-flight panic; heartbeats are multiplexed by
// sandbox session name and fanned out over a broker the agent drivers
// subscribe to.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/pubsub"
)

// Handler processes a method call and returns its result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the HTTP JSON-RPC server bound to localhost.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	listener net.Listener
	httpSrv  *http.Server
	started  bool
	stopped  bool

	broker *pubsub.Broker[Heartbeat]
}

// NewServer creates a server with the built-in heartbeat method
// registered.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		broker:   pubsub.NewBrokerWithBuffer[Heartbeat](128),
	}
	s.Register("heartbeat", s.handleHeartbeat)
	return s
}

// Register adds a method handler. Registering a taken name replaces it.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
	log.Debug(log.CatIPC, "Registered method", "method", method)
}

// Heartbeats returns the broker drivers subscribe to.
func (s *Server) Heartbeats() *pubsub.Broker[Heartbeat] {
	return s.broker
}

// Start binds 127.0.0.1:port (0 picks a free port) and serves in the
// background. Returns the bound port.
func (s *Server) Start(port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return 0, fmt.Errorf("ipc server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("binding ipc listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleHTTP)

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.started = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatIPC, "IPC server stopped unexpectedly", err)
		}
	}()

	boundPort := ln.Addr().(*net.TCPAddr).Port
	log.Info(log.CatIPC, "IPC server listening", "port", boundPort)
	return boundPort, nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpSrv
	s.mu.Unlock()

	s.broker.Close()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping ipc server: %w", err)
	}
	log.Info(log.CatIPC, "IPC server stopped")
	return nil
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	resp := s.dispatch(r.Context(), body)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug(log.CatIPC, "Failed to write response", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return NewErrorResponse(nil, CodeParseError, err.Error())
	}
	if req.Method == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "missing method")
	}

	s.mu.Lock()
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		if respErr, isResp := err.(*ResponseError); isResp {
			return Response{JSONRPC: "2.0", ID: req.ID, Error: respErr}
		}
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleHeartbeat(ctx context.Context, params json.RawMessage) (any, error) {
	var p HeartbeatParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if p.Session == "" {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: "session is required"}
	}

	log.Debug(log.CatIPC, "Heartbeat", "session", p.Session, "phase", p.Phase)
	s.broker.Publish(Heartbeat{
		Session: p.Session,
		Phase:   p.Phase,
		Message: p.Message,
	})
	return map[string]string{"status": "ok"}, nil
}
