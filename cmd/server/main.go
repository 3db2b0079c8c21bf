package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jamroom/internal/app"
)

func main() {
	addr := flag.String("addr", getEnv("JAMROOM_ADDR", ":8080"), "server listen address")
	wsPath := flag.String("ws-path", getEnv("JAMROOM_WS_PATH", "/ws"), "websocket path")
	db := flag.String("db", getEnv("JAMROOM_DB_PATH", ""), "sqlite database path")
	sweepInterval := flag.Duration("sweep-interval", 5*time.Second, "how often stale rooms are swept")
	roomTimeout := flag.Duration("room-timeout", 15*time.Second, "heartbeat age after which a room is closed")
	flag.Parse()

	cfg := app.ServerConfig{
		Addr:                *addr,
		WSPath:              app.NormalizeWSPath(*wsPath),
		DBPath:              *db,
		SweepInterval:       *sweepInterval,
		RoomTimeout:         *roomTimeout,
		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
		SpotifyToken:        os.Getenv("SPOTIFY_ACCESS_TOKEN"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = app.DefaultDBPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("jamroom server listening on %s (ws path %s, db %s)", handle.Addr(), cfg.WSPath, cfg.DBPath)
	if err := handle.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
