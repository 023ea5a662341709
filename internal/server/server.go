// Package server is the broker's HTTP surface: webhook ingress, health,
// and the JSON-RPC control plane with its SSE notification stream. The
// listener binds loopback only; the tunnel is the public face.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/hookwire/hookwire/internal/control"
	"github.com/hookwire/hookwire/internal/debug"
	"github.com/hookwire/hookwire/internal/pipeline"
	"github.com/hookwire/hookwire/internal/ratelimit"
)

// maxBodyBytes caps inbound webhook and RPC bodies.
const maxBodyBytes = 10 << 20

// serverName appears in the health response.
const serverName = "hookwire"

// Ingestor runs the webhook pipeline for one request.
type Ingestor interface {
	Process(ctx context.Context, subscriptionID string, headers http.Header, body []byte) pipeline.Result
}

// ToolCaller dispatches control-plane tool invocations.
type ToolCaller interface {
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
	Tools() []string
}

// Server owns the HTTP listener.
type Server struct {
	port     int
	ingestor Ingestor
	tools    ToolCaller
	notifier *control.Notifier
	limiter  *ratelimit.Limiter
}

// New wires the HTTP surface. limiter may be nil to disable rate limiting
// (tests).
func New(port int, ingestor Ingestor, tools ToolCaller, notifier *control.Notifier, limiter *ratelimit.Limiter) *Server {
	return &Server{
		port:     port,
		ingestor: ingestor,
		tools:    tools,
		notifier: notifier,
		limiter:  limiter,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook/{id}", s.handleWebhook)
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("GET /mcp", s.handleSSE)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("server: listening on port %d: %w", s.port, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Printf("server: listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	}
}

func (s *Server) allow(r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow(ratelimit.ClientIP(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"server":    serverName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload_too_large"})
		return
	}

	res := s.ingestor.Process(r.Context(), r.PathValue("id"), r.Header, body)
	switch res.Code {
	case pipeline.Accepted:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case pipeline.Rejected:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": res.Reason})
	case pipeline.NotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

// JSON-RPC 2.0 plumbing for the control plane.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeRateLimited    = -32000
)

// toolCallParams is the MCP-style tools/call parameter shape.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r) {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: nullID, Error: &rpcError{Code: codeRateLimited, Message: "rate limited"}})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: nullID, Error: &rpcError{Code: codeParseError, Message: "request too large"}})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: nullID, Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	id := req.ID
	if len(id) == 0 {
		id = nullID
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
		return
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// dispatch resolves a JSON-RPC method. Both the MCP-style tools/list and
// tools/call methods and bare tool names are accepted.
func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "tools/list":
		return map[string]any{"tools": s.tools.Tools()}, nil
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return nil, &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"}
		}
		return s.callTool(ctx, params.Name, params.Arguments)
	default:
		return s.callTool(ctx, req.Method, req.Params)
	}
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, *rpcError) {
	result, err := s.tools.Call(ctx, name, args)
	if err != nil {
		var unknown *control.ErrUnknownTool
		if errors.As(err, &unknown) {
			return nil, &rpcError{Code: codeMethodNotFound, Message: err.Error()}
		}
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return result, nil
}

var nullID = json.RawMessage("null")

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// Writes from the notifier race the handler goroutine only through
	// this channel; the ResponseWriter itself is touched by one goroutine.
	type frame struct {
		event string
		data  []byte
	}
	frames := make(chan frame, 16)
	remove := s.notifier.Register(func(event string, data []byte) error {
		select {
		case frames <- frame{event: event, data: data}:
			return nil
		default:
			return errors.New("sse: client too slow")
		}
	})
	defer remove()

	debug.Logf("sse: client connected from %s", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			debug.Logf("sse: client disconnected")
			return
		case f := <-frames:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		debug.Logf("server: encoding response: %v", err)
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}
