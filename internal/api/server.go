package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/corduroy/internal/chord"
	"github.com/zde37/corduroy/pkg"
	"github.com/zde37/corduroy/pkg/hash"
)

// RingNode is the part of a ring node the operator API exposes.
type RingNode interface {
	Address() string
	ID() hash.RingID
	IsStopped() bool
	Info() (chord.NodeInfo, error)
	KnownAddresses() []string
	FingerTable() *hash.FingerTable
	GetHash(ring uint32) (hash.RingID, error)
	Lookup(key string) (chord.NodeAddress, hash.RingID, error)
	Probe(ctx context.Context) ([]string, error)
	Broadcast(ctx context.Context) ([]string, error)
	Echo(ctx context.Context, peer, text string) (string, error)
	Discover(ctx context.Context, bootstrap string) error
	SetBroadcaster(b chord.RingUpdateBroadcaster)
}

// Server represents the HTTP API server.
type Server struct {
	node       RingNode
	mux        *runtime.ServeMux
	marshaler  runtime.Marshaler
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
}

// NewServer creates the HTTP API for node and subscribes its websocket hub
// to the node's ring events.
func NewServer(node RingNode, logger *pkg.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		node:      node,
		marshaler: &runtime.JSONPb{},
		wsHub:     NewWebSocketHub(logger),
		logger:    logger.WithFields(pkg.Fields{"component": "http_api"}),
	}

	s.mux = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, s.marshaler),
	)

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/node", s.handleNode},
		{http.MethodGet, "/api/v1/members", s.handleMembers},
		{http.MethodGet, "/api/v1/fingers", s.handleFingers},
		{http.MethodGet, "/api/v1/hash/{ring}", s.handleHash},
		{http.MethodGet, "/api/v1/lookup/{key}", s.handleLookup},
		{http.MethodPost, "/api/v1/probe", s.handleProbe},
		{http.MethodPost, "/api/v1/broadcast", s.handleBroadcast},
		{http.MethodPost, "/api/v1/discover", s.handleDiscover},
		{http.MethodPost, "/api/v1/echo", s.handleEcho},
	}
	for _, route := range routes {
		if err := s.mux.HandlePath(route.method, route.pattern, route.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", route.method, route.pattern, err)
		}
	}

	// Create HTTP mux with CORS middleware
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(s.mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	s.handler = httpMux

	node.SetBroadcaster(s.wsHub)

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket hub that fans ring events out to clients.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start binds addr and serves the API in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.node.SetBroadcaster(nil)
	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
}

type membersResponse struct {
	Self    string              `json:"self"`
	Members []chord.NodeAddress `json:"members"`
}

type fingersResponse struct {
	Owner   string             `json:"owner"`
	OwnerID hash.RingID        `json:"owner_id"`
	Fingers []hash.FingerEntry `json:"fingers"`
}

type hashResponse struct {
	Address string      `json:"address"`
	Ring    uint32      `json:"ring"`
	ID      hash.RingID `json:"id"`
}

type lookupResponse struct {
	Key    string            `json:"key"`
	Target hash.RingID       `json:"target"`
	Owner  chord.NodeAddress `json:"owner"`
}

type traversalResponse struct {
	Origin    string   `json:"origin"`
	Addresses []string `json:"addresses"`
	Took      string   `json:"took"`
}

type discoverRequest struct {
	Bootstrap string `json:"bootstrap"`
}

type echoRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

type echoResponse struct {
	Peer  string `json:"peer"`
	Reply string `json:"reply"`
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: "ok", Node: s.node.Address()}
	code := http.StatusOK
	if s.node.IsStopped() {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	s.write(w, code, resp)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	info, err := s.node.Info()
	if err != nil {
		s.fail(w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	s.write(w, http.StatusOK, info)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	members, err := chord.RingOrder(append(s.node.KnownAddresses(), s.node.Address()))
	if err != nil {
		s.fail(w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	s.write(w, http.StatusOK, membersResponse{Self: s.node.Address(), Members: members})
}

func (s *Server) handleFingers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	table := s.node.FingerTable()
	s.write(w, http.StatusOK, fingersResponse{
		Owner:   table.Owner(),
		OwnerID: table.OwnerID(),
		Fingers: table.Entries(),
	})
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ring, err := strconv.ParseUint(params["ring"], 10, 32)
	if err != nil {
		s.fail(w, r, status.Errorf(codes.InvalidArgument, "invalid ring %q", params["ring"]))
		return
	}

	id, err := s.node.GetHash(uint32(ring))
	if err != nil {
		s.fail(w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	s.write(w, http.StatusOK, hashResponse{Address: s.node.Address(), Ring: uint32(ring), ID: id})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	key := params["key"]
	owner, target, err := s.node.Lookup(key)
	if err != nil {
		s.fail(w, r, toStatus(err))
		return
	}
	s.write(w, http.StatusOK, lookupResponse{Key: key, Target: target, Owner: owner})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.traverse(w, r, s.node.Probe)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.traverse(w, r, s.node.Broadcast)
}

func (s *Server) traverse(w http.ResponseWriter, r *http.Request, run func(context.Context) ([]string, error)) {
	start := time.Now()
	addrs, err := run(r.Context())
	if err != nil {
		s.fail(w, r, toStatus(err))
		return
	}
	s.write(w, http.StatusOK, traversalResponse{
		Origin:    s.node.Address(),
		Addresses: addrs,
		Took:      time.Since(start).String(),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req discoverRequest
	if err := s.marshaler.NewDecoder(r.Body).Decode(&req); err != nil || req.Bootstrap == "" {
		s.fail(w, r, status.Error(codes.InvalidArgument, "body must be {\"bootstrap\": \"host:port\"}"))
		return
	}

	if err := s.node.Discover(r.Context(), req.Bootstrap); err != nil {
		s.fail(w, r, toStatus(err))
		return
	}
	s.handleMembers(w, r, nil)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req echoRequest
	if err := s.marshaler.NewDecoder(r.Body).Decode(&req); err != nil || req.Peer == "" {
		s.fail(w, r, status.Error(codes.InvalidArgument, "body must be {\"peer\": \"host:port\", \"text\": \"...\"}"))
		return
	}

	reply, err := s.node.Echo(r.Context(), req.Peer, req.Text)
	if err != nil {
		s.fail(w, r, toStatus(err))
		return
	}
	s.write(w, http.StatusOK, echoResponse{Peer: req.Peer, Reply: reply})
}

func (s *Server) write(w http.ResponseWriter, code int, v any) {
	body, err := s.marshaler.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", s.marshaler.ContentType(v))
	w.WriteHeader(code)
	w.Write(body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debug().
		Err(err).
		Str("path", r.URL.Path).
		Msg("Request failed")
	runtime.HTTPError(r.Context(), s.mux, s.marshaler, w, r, err)
}

// toStatus maps the ring error taxonomy onto gRPC status codes, which the
// gateway turns into HTTP statuses.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, pkg.ErrAddressResolution):
		code = codes.InvalidArgument
	case errors.Is(err, pkg.ErrNodeStopped):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, pkg.ErrConnection):
		code = codes.Unavailable
	case errors.Is(err, pkg.ErrEmptyRing):
		code = codes.NotFound
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
