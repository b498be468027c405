// Package rpc is the line-delimited JSON-RPC 2.0 endpoint through which in-process and sandbox-side
// producers trigger broadcasts and query the registry.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yourorg/projectfeed/internal/logging"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeReloadFailed   = -32000
)

// HandlerFunc handles a JSON-RPC method. ctx is cancelled when the server shuts down.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *Error)

// Server serves JSON-RPC 2.0 over TCP, one JSON value per request.
type Server struct {
	addr     string
	logger   *logging.Logger
	ln       net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	handlers map[string]HandlerFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      any             `json:"id,omitempty"`
}

func New(addr string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		logger:   logger.Named("rpc"),
		handlers: make(map[string]HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register sets a handler for a method name. Call before Start.
func (s *Server) Register(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.running = true
	s.mu.Unlock()

	s.logger.Info("rpc server listening", logging.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				s.mu.Lock()
				active := s.running
				s.mu.Unlock()
				if !active {
					return
				}
				s.logger.Error("rpc accept error", logging.Error(err))
				continue
			}
			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}()
	return nil
}

const (
	connReadTimeout  = 60 * time.Second
	connWriteTimeout = 30 * time.Second
)

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// unblock the read when the server stops
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(connReadTimeout))
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			// idle timeout
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				_ = enc.Encode(Response{JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: "parse error"}})
			}
			s.logger.Warn("rpc decode error", logging.String("remote", conn.RemoteAddr().String()), logging.Error(err))
			return
		}

		resp := s.dispatchSafe(req)
		_ = conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
		if err := enc.Encode(resp); err != nil {
			s.logger.Error("rpc encode error", logging.Error(err))
			return
		}
	}
}

func (s *Server) dispatchSafe(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panic", logging.Any("panic", r), logging.String("method", req.Method))
			resp = Response{
				JSONRPC: "2.0",
				Error:   &Error{Code: CodeInternal, Message: fmt.Sprintf("internal error: %v", r)},
				ID:      req.ID,
			}
		}
	}()
	return s.dispatch(req)
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &Error{Code: CodeInvalidRequest, Message: "invalid request: jsonrpc must be 2.0"}
		return resp
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = &Error{Code: CodeMethodNotFound, Message: "method not found"}
		return resp
	}

	result, rpcErr := handler(s.ctx, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Code: CodeInternal, Message: "encode result: " + err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	_ = s.ln.Close()
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("rpc shutdown timeout")
	}
}
