package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	intrnl "carechat/internal"
	"carechat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	log    *zap.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the realtime
// server and starts serving in the background. Call Stop/Wait to manage its
// lifecycle.
func RunServer(ctx context.Context, cfg *Config, log *zap.Logger) (*ServerHandle, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DB.Path == "" {
		return nil, errors.New("database path is required")
	}

	if dir := filepath.Dir(cfg.DB.Path); dir != "." && !strings.HasPrefix(cfg.DB.Path, "file:") {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	server := intrnl.NewServer(store, intrnl.ServerOptions{
		JWTSecret:     cfg.Auth.JWTSecret,
		TokenTTL:      cfg.Auth.TokenTTL,
		SendBuffer:    cfg.Limits.SendBuffer,
		AuthPerMinute: cfg.Limits.AuthPerMinute,
		MsgsPerWindow: cfg.Limits.MsgsPerWindow,
		MsgWindow:     cfg.Limits.MsgWindow,
		PushEnabled:   cfg.Push.Enabled,
	}, log)

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Server.WSPath, server)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		log:    log,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	log.Info("server listening", zap.String("addr", handle.addr), zap.String("ws_path", cfg.Server.WSPath))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := h.store.Close(); closeErr != nil {
		h.log.Warn("store close error", zap.Error(closeErr))
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.HandleGlobalWS)
	mux.HandleFunc(wsPath+"/", func(w http.ResponseWriter, r *http.Request) {
		conversationID := strings.TrimPrefix(r.URL.Path, wsPath+"/")
		if conversationID == "" || strings.Contains(conversationID, "/") {
			http.NotFound(w, r)
			return
		}
		server.HandleRoomWS(w, r, conversationID)
	})

	mux.HandleFunc("/signup", server.HandleSignup)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/conversations", server.HandleCreateConversation)
	mux.HandleFunc("/conversations/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
		parts := strings.Split(rest, "/")
		if len(parts) == 3 && parts[1] == "members" && parts[2] != "" {
			server.HandleConversationMembers(w, r, parts[0], parts[2])
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/ws/conversations/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/ws/conversations/")
		conversationID := strings.TrimSuffix(rest, "/online-status")
		if conversationID == "" || conversationID == rest || strings.Contains(conversationID, "/") {
			http.NotFound(w, r)
			return
		}
		server.HandleConversationOnline(w, r, conversationID)
	})
	mux.HandleFunc("/ws/status", server.HandleStatus)
	mux.HandleFunc("/ws/users/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/ws/users/")
		userID := strings.TrimSuffix(rest, "/status")
		if userID == "" || userID == rest || strings.Contains(userID, "/") {
			http.NotFound(w, r)
			return
		}
		server.HandleUserStatus(w, r, userID)
	})
	mux.Handle("/metrics", server.MetricsHandler())
}
