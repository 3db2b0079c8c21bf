package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "jamroom/internal"
	"jamroom/internal/spotify"
	"jamroom/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr    string
	server  *http.Server
	store   *storage.Store
	sweeper *intrnl.Sweeper
	done    chan struct{}
	err     error
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
	h.sweeper.Stop()
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

// RunServer opens the SQLite store, runs migrations, wires the room server
// and its sweeper, and starts serving in the background. Call Stop/Wait to
// manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var tokens spotify.TokenSource
	if cfg.SpotifyToken != "" {
		tokens = spotify.StaticSource(cfg.SpotifyToken)
	} else {
		tokens = spotify.NewRefreshingSource(tokenStore{store}, cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	}
	provider := spotify.NewHTTPClient(tokens)

	server := intrnl.NewServer(store, provider, tokens)
	sweeper := intrnl.NewSweeper(server, cfg.SweepInterval, cfg.RoomTimeout)

	mux := http.NewServeMux()
	registerHandlers(mux, cfg.WSPath, server)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	sweeper.Start(ctx)

	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		store:   store,
		sweeper: sweeper,
		done:    make(chan struct{}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.store.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	h.err = err
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/rooms", server.HandleCreateRoom)
	mux.HandleFunc("/rooms/", server.HandleRoomPath)
	mux.HandleFunc("/search", server.HandleSearch)
	mux.HandleFunc("/auth/token", server.HandleSaveToken)
	mux.Handle("/metrics", server.MetricsHandler())
}

// tokenStore adapts the sqlite store to the token source's narrow interface.
type tokenStore struct {
	store *storage.Store
}

func (t tokenStore) Token(ctx context.Context, userID string) (*spotify.StoredToken, error) {
	row, err := t.store.GetProviderToken(ctx, userID)
	if err != nil || row == nil {
		return nil, err
	}
	return &spotify.StoredToken{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}

func (t tokenStore) SaveToken(ctx context.Context, userID string, token spotify.StoredToken) error {
	return t.store.SaveProviderToken(ctx, storage.ProviderToken{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	})
}
