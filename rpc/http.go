package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chainbridge/bridge"
	"chainbridge/core"
	"chainbridge/daemon"
	"chainbridge/observability"
	"chainbridge/reader"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 4 << 20 // 4 MiB
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 5 * time.Second
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	// Verification codes follow the reference daemon's RPC.
	codeMisc           = -1
	codeNotFound       = -5
	codeVerifyError    = -25
	codeVerifyRejected = -26
	codeVerifyInChain  = -27
	codeShuttingDown   = -28
)

type ctxKey int

const requestIDKey ctxKey = iota

// Options configures the RPC server.
type Options struct {
	AuthToken  string
	SendPerSec float64
	Logger     *slog.Logger
}

// Server exposes a Daemon over JSON-RPC, a websocket stream and metrics.
type Server struct {
	daemon    *daemon.Daemon
	logger    *slog.Logger
	authToken string
	limiter   *sourceLimiter
	hub       *hub
}

func NewServer(d *daemon.Daemon, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		daemon:    d,
		logger:    logger.With("component", "rpc"),
		authToken: strings.TrimSpace(opts.AuthToken),
		limiter:   newSourceLimiter(opts.SendPerSec),
		hub:       newHub(),
	}
}

// Router returns the HTTP routes served by the RPC listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleStream)
	r.Post("/", s.handle)
	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Router(), "chainbridge-rpc"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("JSON-RPC server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.hub.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown rpc server: %w", err)
	}
	return nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	status  int
}

func (e *RPCError) Error() string {
	return e.Message
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...), status: http.StatusBadRequest}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.daemon.Controller().ShutdownComplete() {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.daemon.Controller().State().String()))
}

// handle decodes the envelope and dispatches to the method handler.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = body.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	raw, err := io.ReadAll(body)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(raw, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		observability.RPC().Observe(req.Method, codeMethodNotFound, time.Since(start))
		return
	}
	result, rpcErr := handler(r, req)
	if rpcErr != nil {
		s.logger.Debug("rpc call failed",
			"method", req.Method,
			"request_id", requestIDFrom(r.Context()),
			"code", rpcErr.Code,
			"error", rpcErr.Message)
		if rpcErr.Code == codeRateLimited {
			observability.RPC().RecordThrottle(req.Method)
		}
		observability.RPC().Observe(req.Method, rpcErr.Code, time.Since(start))
		writeError(w, rpcErr.status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	observability.RPC().Observe(req.Method, 0, time.Since(start))
	writeResult(w, req.ID, result)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header", status: http.StatusUnauthorized}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme", status: http.StatusUnauthorized}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials", status: http.StatusUnauthorized}
	}
	return nil
}

// toRPCError maps daemon errors onto JSON-RPC error objects.
func toRPCError(err error) *RPCError {
	var (
		reject  *core.RejectError
		taskErr *bridge.TaskError
	)
	switch {
	case errors.Is(err, daemon.ErrUsage):
		return &RPCError{Code: codeInvalidParams, Message: err.Error(), status: http.StatusBadRequest}
	case errors.Is(err, bridge.ErrShuttingDown), errors.Is(err, bridge.ErrClosed):
		return &RPCError{Code: codeShuttingDown, Message: err.Error(), status: http.StatusServiceUnavailable}
	case errors.Is(err, core.ErrMissingInputs):
		return &RPCError{Code: codeVerifyError, Message: err.Error(), status: http.StatusOK}
	case errors.Is(err, daemon.ErrAlreadyInChain), errors.Is(err, daemon.ErrAlreadyInMempool):
		return &RPCError{Code: codeVerifyInChain, Message: err.Error(), status: http.StatusOK}
	case errors.As(err, &reject):
		return &RPCError{Code: codeVerifyRejected, Message: err.Error(), status: http.StatusOK}
	case errors.As(err, &taskErr) && taskErr.Msg == reader.MsgBlockNotFound:
		return &RPCError{Code: codeNotFound, Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &RPCError{Code: codeMisc, Message: err.Error(), status: http.StatusGatewayTimeout}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error(), status: http.StatusInternalServerError}
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// await submits an asynchronous daemon call and waits for its completion on
// the host loop. The callback never blocks the loop.
func await[T any](ctx context.Context, submit func(bridge.Callback[T]) error) (T, error) {
	ch := make(chan outcome[T], 1)
	var zero T
	if err := submit(func(v T, err error) { ch <- outcome[T]{v, err} }); err != nil {
		return zero, err
	}
	select {
	case o := <-ch:
		return o.value, o.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
