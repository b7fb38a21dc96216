package internal

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carechat/internal/storage"
)

// Server wires the realtime core together: the SQLite store, the presence
// manager, the authenticator and the HTTP/websocket surface. HTTP handlers
// and websocket gateways are methods on it.
type Server struct {
	store    *storage.Store
	manager  *Manager
	unread   *UnreadCounter
	auth     *TokenAuthenticator
	metrics  *Metrics
	push     PushDispatcher
	log      *zap.Logger
	upgrader websocket.Upgrader

	authLimiter *RateLimiter
	msgLimiter  *RateLimiter

	sendBuffer int
}

// ServerOptions carries the tunables the app layer reads from config.
type ServerOptions struct {
	JWTSecret     string
	TokenTTL      time.Duration
	SendBuffer    int
	AuthPerMinute int
	MsgsPerWindow int
	MsgWindow     time.Duration
	PushEnabled   bool
}

func NewServer(store *storage.Store, opts ServerOptions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.AuthPerMinute <= 0 {
		opts.AuthPerMinute = 10
	}
	if opts.MsgsPerWindow <= 0 {
		opts.MsgsPerWindow = 30
	}
	if opts.MsgWindow <= 0 {
		opts.MsgWindow = 10 * time.Second
	}
	metrics := NewMetrics()
	unread := NewUnreadCounter(store)
	manager := NewManager(NewPresenceStore(), unread, metrics, log)
	return &Server{
		store:   store,
		manager: manager,
		unread:  unread,
		auth:    NewTokenAuthenticator(opts.JWTSecret, opts.TokenTTL),
		metrics: metrics,
		push:    NewLogPushDispatcher(log, metrics, opts.PushEnabled),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		authLimiter: NewRateLimiter(opts.AuthPerMinute, time.Minute),
		msgLimiter:  NewRateLimiter(opts.MsgsPerWindow, opts.MsgWindow),
		sendBuffer:  opts.SendBuffer,
	}
}

func (s *Server) Manager() *Manager { return s.manager }

// MetricsHandler exposes the JSON counter snapshot.
func (s *Server) MetricsHandler() http.Handler { return s.metrics }

func (s *Server) Close(ctx context.Context) error {
	return s.store.Close()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
