// Package rpctest provides JSON-RPC test doubles: an httptest server that
// dispatches on the method name and an in-memory storagedump.Gateway.
package rpctest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one call. Returning a non-nil *Error sends an error response.
type Handler func(params []json.RawMessage) (interface{}, *Error)

// Server is a mock RPC endpoint. Unknown methods answer -32601.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	handlers   map[string]Handler
	httpStatus map[string]int
	calls      map[string]int
}

// NewServer starts a mock endpoint; callers must Close it
func NewServer() *Server {
	s := &Server{
		handlers:   make(map[string]Handler),
		httpStatus: make(map[string]int),
		calls:      make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Handle registers a handler for method
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Result registers a fixed result for method
func (s *Server) Result(method string, result interface{}) {
	s.Handle(method, func([]json.RawMessage) (interface{}, *Error) {
		return result, nil
	})
}

// Fail registers a fixed JSON-RPC error for method
func (s *Server) Fail(method string, code int, message string) {
	s.Handle(method, func([]json.RawMessage) (interface{}, *Error) {
		return nil, &Error{Code: code, Message: message}
	})
}

// FailHTTP answers method with a bare HTTP status
func (s *Server) FailHTTP(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpStatus[method] = status
}

// Calls returns how many times method was invoked
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	h, ok := s.handlers[req.Method]
	status := s.httpStatus[req.Method]
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &Error{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	result, rpcErr := h(req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Result = resultJSON
	_ = json.NewEncoder(w).Encode(resp)
}
