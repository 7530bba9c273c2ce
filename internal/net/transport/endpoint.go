package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"jsonic/netsync/internal/net/ticket"
	"jsonic/netsync/internal/observability"
	"jsonic/netsync/internal/telemetry"
	"jsonic/netsync/logging"
	loggingnetwork "jsonic/netsync/logging/network"
)

// ErrEndpointClosed is returned by Accept once the endpoint has been closed.
var ErrEndpointClosed = errors.New("endpoint closed")

const (
	// JoinPath is the websocket route clients dial.
	JoinPath = "/ws"

	closeGracePeriod = time.Second
)

// Config tunes both ends of the transport. Host-only and client-only fields
// are ignored by the other side.
type Config struct {
	WriteWait    time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64

	// JoinSecret, when set, makes the host require a signed join ticket.
	JoinSecret []byte
	// JoinRate and JoinBurst bound join attempts per remote host.
	JoinRate  rate.Limit
	JoinBurst int
	// Diagnostics renders the body of GET /diagnostics.
	Diagnostics   func() any
	Observability observability.Config

	// Ticket is presented by a dialing client.
	Ticket string

	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// DefaultConfig mirrors the production timings of the host.
func DefaultConfig() Config {
	return Config{
		WriteWait:    10 * time.Second,
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
		ReadLimit:    1 << 20,
		JoinRate:     5,
		JoinBurst:    10,
	}
}

func (c Config) normalized() Config {
	if c.Logger == nil {
		c.Logger = telemetry.WrapLogger(log.Default())
	}
	if c.Publisher == nil {
		c.Publisher = logging.NopPublisher()
	}
	if c.PongWait > 0 && c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	return c
}

// Endpoint is the host's listening side: an HTTP server whose websocket route
// hands upgraded connections to Accept.
type Endpoint struct {
	cfg       Config
	listener  net.Listener
	server    *http.Server
	upgrader  websocket.Upgrader
	limiters  *limiterSet
	pending   chan *Conn
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr and starts serving the join route.
func Listen(addr string, cfg Config) (*Endpoint, error) {
	cfg = cfg.normalized()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	e := &Endpoint{
		cfg:      cfg,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		limiters: newLimiterSet(cfg.JoinRate, cfg.JoinBurst),
		pending:  make(chan *Conn),
		closed:   make(chan struct{}),
	}
	e.server = &http.Server{
		Handler:           e.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.Logger.Printf("endpoint %s stopped serving: %v", listener.Addr(), err)
		}
	}()
	return e, nil
}

// Addr is the bound address, useful when listening on port 0.
func (e *Endpoint) Addr() string {
	return e.listener.Addr().String()
}

// Accept blocks until a client joins, ctx ends or the endpoint closes.
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-e.closed:
		return nil, ErrEndpointClosed
	default:
	}
	select {
	case conn := <-e.pending:
		return conn, nil
	case <-e.closed:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener and wakes every pending Accept. Connections
// already handed out are owned by the caller.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeErr = e.server.Close()
		// Serve may not have tracked the listener yet.
		e.listener.Close()
	})
	return e.closeErr
}

func (e *Endpoint) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(JoinPath, e.handleJoin).Methods(http.MethodGet)
	r.HandleFunc("/health", e.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", e.handleDiagnostics).Methods(http.MethodGet)
	if e.cfg.Observability.EnablePprofTrace {
		debug := r.PathPrefix("/debug/pprof").Subrouter()
		debug.HandleFunc("/cmdline", pprof.Cmdline)
		debug.HandleFunc("/profile", pprof.Profile)
		debug.HandleFunc("/symbol", pprof.Symbol)
		debug.HandleFunc("/trace", pprof.Trace)
		debug.PathPrefix("/").HandlerFunc(pprof.Index)
	}
	return r
}

func (e *Endpoint) handleJoin(w http.ResponseWriter, r *http.Request) {
	remote := remoteHost(r)
	if !e.limiters.allow(remote) {
		loggingnetwork.JoinThrottled(r.Context(), e.cfg.Publisher, logging.HostRef(e.Addr()), loggingnetwork.ThrottledPayload{Remote: remote})
		http.Error(w, "too many join attempts", http.StatusTooManyRequests)
		return
	}
	if len(e.cfg.JoinSecret) > 0 {
		if _, err := ticket.Verify(e.cfg.JoinSecret, ticket.FromHeader(r.Header.Get("Authorization"))); err != nil {
			e.cfg.Logger.Printf("rejecting join from %s: %v", remote, err)
			http.Error(w, "invalid join ticket", http.StatusUnauthorized)
			return
		}
	}
	select {
	case <-e.closed:
		http.Error(w, "host is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.cfg.Logger.Printf("upgrade failed for %s: %v", remote, err)
		return
	}

	conn := newConn(ws, r.RemoteAddr, e.cfg)
	select {
	case e.pending <- conn:
	case <-e.closed:
		conn.Close()
	}
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (e *Endpoint) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	var payload any = struct {
		Status string `json:"status"`
	}{Status: "ok"}
	if e.cfg.Diagnostics != nil {
		payload = e.cfg.Diagnostics()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Dial joins the host at addr, which is either host:port or a ws/wss/http(s)
// URL. The returned error is the raw dial failure; callers classify it.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.normalized()
	target, err := joinURL(addr)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if cfg.Ticket != "" {
		header.Set("Authorization", "Bearer "+cfg.Ticket)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return newConn(ws, ws.RemoteAddr().String(), cfg), nil
}

func joinURL(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("dial: empty address")
	}
	if !strings.Contains(addr, "://") {
		return (&url.URL{Scheme: "ws", Host: addr, Path: JoinPath}).String(), nil
	}
	parsed, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("dial: parse %q: %w", addr, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("dial: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = JoinPath
	}
	return parsed.String(), nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterIdleTTL is how long a remote host's limiter survives without joins.
const limiterIdleTTL = 3 * time.Minute

type limiterSet struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	limiters  map[string]*visitor
	now       func() time.Time
	nextSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{limit: limit, burst: burst, limiters: make(map[string]*visitor), now: time.Now}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	now := s.now()
	if now.After(s.nextSweep) {
		s.sweep(now)
	}
	v, ok := s.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = v
	}
	v.lastSeen = now
	s.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep drops limiters idle for longer than limiterIdleTTL. Callers hold mu.
func (s *limiterSet) sweep(now time.Time) {
	for key, v := range s.limiters {
		if now.Sub(v.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	s.nextSweep = now.Add(limiterIdleTTL)
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
