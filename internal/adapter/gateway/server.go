package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
)

// MethodSubscribe narrows the events a connection receives. It is served by
// the server itself because it mutates per-connection state.
const MethodSubscribe = "events.subscribe"

const (
	defaultMaxInflight = 16
	defaultSendBuffer  = 64
	writeTimeout       = 5 * time.Second
	shutdownGrace      = 5 * time.Second
)

var loopbackOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// Options tunes a Server. Zero values select defaults.
type Options struct {
	Addr string
	// AllowedOrigins are WebSocket origin patterns; loopback only when empty.
	AllowedOrigins []string
	// MaxInflight bounds concurrent RPCs per connection.
	MaxInflight int
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

// OptionsFrom maps gateway config onto server options.
func OptionsFrom(cfg config.GatewayConfig) Options {
	return Options{
		Addr:           cfg.Addr,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxInflight:    cfg.MaxInflightRPCs,
		SendBuffer:     cfg.SendBuffer,
	}
}

func (o Options) withDefaults() Options {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = loopbackOrigins
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = defaultMaxInflight
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	return o
}

// session is one authenticated WebSocket connection.
type session struct {
	id       uint64
	info     *ClientInfo
	ws       *websocket.Conn
	out      chan Frame
	done     chan struct{}
	inflight *semaphore.Weighted
	// topics holds the subscribed patterns; nil forwards every event.
	topics    atomic.Pointer[[]string]
	closeOnce sync.Once
}

func (ss *session) close() {
	ss.closeOnce.Do(func() { close(ss.done) })
}

// wants reports whether topic matches the session's subscription. A pattern
// ending in '*' matches by prefix, anything else must match exactly.
func (ss *session) wants(topic string) bool {
	patterns := ss.topics.Load()
	if patterns == nil {
		return true
	}
	for _, p := range *patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
		} else if p == topic {
			return true
		}
	}
	return false
}

// enqueue queues f without blocking and reports whether it was accepted.
func (ss *session) enqueue(f Frame) bool {
	select {
	case <-ss.done:
		return true
	default:
	}
	select {
	case ss.out <- f:
		return true
	default:
		return false
	}
}

// Server is the WebSocket control gateway. It serves RPC methods and
// forwards bus events to connected clients.
type Server struct {
	bus        domain.EventBus
	auth       Authenticator
	opts       Options
	logger     *slog.Logger
	sessions   sync.Map // uint64 -> *session
	nextID     atomic.Uint64
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	httpRoutes []httpRoute
	middleware []func(http.Handler) http.Handler
	httpSrv    *http.Server
	boundAddr  atomic.Value // string
	unsubAll   func()
	stopOnce   sync.Once
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, auth Authenticator, opts Options, logger *slog.Logger) *Server {
	return &Server{
		bus:      bus,
		auth:     auth,
		opts:     opts.withDefaults(),
		handlers: make(map[string]RPCHandler),
		logger:   logger,
	}
}

// RegisterHandler adds an RPC handler for method. Safe to call while
// clients are connected.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds a plain HTTP route. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Use wraps every HTTP route, including the WebSocket upgrade, in mw. The
// first registered middleware is outermost. Must be called before Start.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw)
}

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}
	var handler http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.httpSrv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.unsubAll = s.bus.SubscribeAll(s.forward)
	s.boundAddr.Store(listener.Addr().String())
	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every session and shuts the HTTP server down. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.unsubAll != nil {
			s.unsubAll()
		}
		s.sessions.Range(func(key, value any) bool {
			ss := value.(*session)
			ss.close()
			ss.ws.Close(websocket.StatusGoingAway, "server shutting down")
			s.sessions.Delete(key)
			return true
		})
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

// BoundAddr returns the listener address, or "" before Start has bound.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// forward relays a bus event to every interested session. A full queue drops
// the event for that session only.
func (s *Server) forward(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Method: event.Topic, Payload: payload}
	s.sessions.Range(func(_, value any) bool {
		ss := value.(*session)
		if ss.wants(event.Topic) && !ss.enqueue(frame) {
			s.logger.Warn("gateway dropped event for slow client", "client", ss.info.Name, "topic", event.Topic)
		}
		return true
	})
}

// tokenFrom reads the token from the query string or a bearer header.
func tokenFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(tokenFrom(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ss := &session{
		id:       s.nextID.Add(1),
		info:     info,
		ws:       ws,
		out:      make(chan Frame, s.opts.SendBuffer),
		done:     make(chan struct{}),
		inflight: semaphore.NewWeighted(int64(s.opts.MaxInflight)),
	}
	s.sessions.Store(ss.id, ss)
	s.logger.Info("gateway client connected", "conn_id", ss.id, "client", info.Name)

	go s.writeLoop(ss)
	s.readLoop(r.Context(), ss)

	ss.close()
	s.sessions.Delete(ss.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", ss.id)
}

func (s *Server) readLoop(ctx context.Context, ss *session) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ss.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		if !ss.inflight.TryAcquire(1) {
			s.respond(ss, frame.ID, nil, domain.NewDomainError("gateway", domain.ErrRateLimit,
				fmt.Sprintf("more than %d requests in flight", s.opts.MaxInflight)))
			continue
		}
		go func() {
			defer ss.inflight.Release(1)
			s.dispatch(ctx, ss, frame)
		}()
	}
}

func (s *Server) writeLoop(ss *session) {
	for {
		select {
		case <-ss.done:
			return
		case frame := <-ss.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, ss.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

type subscribeRequest struct {
	Topics []string `json:"topics"`
}

func (s *Server) dispatch(ctx context.Context, ss *session, req Frame) {
	if req.Method == MethodSubscribe {
		result, err := s.subscribe(ss, req.Payload)
		s.respond(ss, req.ID, result, err)
		return
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.respond(ss, req.ID, nil, domain.NewDomainError("gateway", domain.ErrRPCMethodNotFound, req.Method))
		return
	}

	result, err := handler(ctx, ss.info, req.Payload)
	if err != nil {
		s.logger.Debug("rpc failed", "method", req.Method, "client", ss.info.Name, "error", err)
	}
	s.respond(ss, req.ID, result, err)
}

// subscribe replaces the session's topic patterns. An empty list restores
// the default of receiving every event.
func (s *Server) subscribe(ss *session, payload json.RawMessage) (json.RawMessage, error) {
	req, err := decode[subscribeRequest](MethodSubscribe, payload)
	if err != nil {
		return nil, err
	}
	if len(req.Topics) == 0 {
		ss.topics.Store(nil)
		return json.Marshal(subscribeRequest{Topics: []string{}})
	}
	for _, p := range req.Topics {
		if p == "" {
			return nil, domain.NewDomainError("gateway", domain.ErrRPCInvalidPayload, "empty topic pattern")
		}
	}
	topics := append([]string(nil), req.Topics...)
	ss.topics.Store(&topics)
	return json.Marshal(subscribeRequest{Topics: topics})
}

func (s *Server) respond(ss *session, id uint64, result json.RawMessage, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id, Payload: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	if !ss.enqueue(resp) {
		s.logger.Warn("gateway dropped rpc response for slow client", "client", ss.info.Name, "frame_id", id)
	}
}
