package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/signalhub/internal/broker"
	"github.com/christopherjohns/signalhub/internal/config"
	"github.com/christopherjohns/signalhub/internal/presence"
	"github.com/christopherjohns/signalhub/internal/ratelimit"
	"github.com/christopherjohns/signalhub/internal/ws"
)

// Server is the main HTTP server for signalhub. It owns the connection
// manager and the broker and exposes the websocket endpoint plus read-only
// status projections.
type Server struct {
	addr    string
	mux     *http.ServeMux
	cfg     config.Config
	redis   redis.Cmdable
	manager *ws.ConnManager
	broker  *broker.Broker
}

// Option configures a Server.
type Option func(*Server)

// WithRedis enables the Redis presence mirror.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithConfig applies broker and connection tunables.
func WithConfig(cfg config.Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// New creates a new Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
		cfg:  config.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var cmOpts []ws.ConnManagerOption
	if s.cfg.MaxConns > 0 {
		cmOpts = append(cmOpts, ws.WithMaxConns(s.cfg.MaxConns))
	}
	if s.cfg.IdleTimeout > 0 {
		cmOpts = append(cmOpts, ws.WithIdleTimeout(time.Duration(s.cfg.IdleTimeout)))
	}
	s.manager = ws.NewConnManager(cmOpts...)

	bOpts := []broker.Option{
		broker.WithGraceDelay(time.Duration(s.cfg.GraceDelay)),
		broker.WithSweepInterval(time.Duration(s.cfg.SweepInterval)),
		broker.WithPresenceTTL(time.Duration(s.cfg.PresenceTTL)),
	}
	if s.redis != nil {
		bOpts = append(bOpts, broker.WithSink(presence.NewMirror(s.redis)))
	}
	s.broker = broker.New(s.manager, bOpts...)

	var limiter *ratelimit.Limiter
	if s.cfg.EventsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(s.cfg.EventsPerMinute, time.Minute)
	}

	s.mux.Handle("/ws", ws.NewHandler(s.manager, s.broker, limiter))
	s.routes()
	return s
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Close shuts down all websocket connections and stops the broker's timers.
func (s *Server) Close() {
	s.manager.Shutdown()
	s.broker.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/users", s.handleListUsers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	users, rooms := s.broker.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"users":  users,
		"rooms":  rooms,
		"time":   time.Now(),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	online := []presence.Info{}
	for _, u := range s.broker.Snapshot() {
		if u.Online {
			online = append(online, u)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(online)
}
