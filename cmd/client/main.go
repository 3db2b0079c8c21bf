package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"jamroom/internal/app"
)

func main() {
	defaultServer := envOrDefault("JAMROOM_SERVER", "ws://localhost:8080/ws")
	defaultUser := envOrDefault("JAMROOM_USER", "")
	defaultName := envOrDefault("JAMROOM_NAME", "")

	serverURL := flag.String("server", defaultServer, "WebSocket URL (e.g., ws://localhost:8080/ws)")
	userID := flag.String("user", defaultUser, "provider user id")
	displayName := flag.String("name", defaultName, "display name shown to other members")
	flag.Parse()

	args := flag.Args()
	var roomCode string
	if len(args) >= 1 {
		roomCode = strings.ToUpper(args[0])
	}

	cfg := app.ClientConfig{
		ServerURL:   *serverURL,
		UserID:      *userID,
		DisplayName: *displayName,
		RoomCode:    roomCode,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
