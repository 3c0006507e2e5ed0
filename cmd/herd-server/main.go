// Command herd-server runs the Herd backend: the HTTP API plus the
// scheduled Spotify listening-data sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	spotifyauth "github.com/zmb3/spotify/v2/auth"

	"github.com/herdapp/herd-server/internal/config"
	"github.com/herdapp/herd-server/internal/db"
	"github.com/herdapp/herd-server/internal/spotify"
	"github.com/herdapp/herd-server/internal/sync"
	"github.com/herdapp/herd-server/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.DebugLevel,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	client := spotify.NewClient(cfg.SpotifyClientID, cfg.SpotifyClientSecret)

	auth := spotifyauth.New(
		spotifyauth.WithClientID(cfg.SpotifyClientID),
		spotifyauth.WithClientSecret(cfg.SpotifyClientSecret),
		spotifyauth.WithRedirectURL(cfg.SpotifyRedirectURI),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadPrivate,
			spotifyauth.ScopeUserReadEmail,
			spotifyauth.ScopeUserReadRecentlyPlayed,
			spotifyauth.ScopeUserTopRead,
			spotifyauth.ScopeUserReadPlaybackState,
		),
	)

	engine := sync.NewEngine(client, database.Credentials(), database.Events(),
		logger.WithPrefix("sync"))
	scheduler := sync.NewScheduler(engine, database.Credentials(),
		logger.WithPrefix("scheduler"), sync.WithInterval(cfg.SyncInterval))

	go scheduler.Run(ctx)

	handlers := web.NewHandlers(auth, client, database.Credentials(), database.Events(),
		engine, scheduler, cfg.FrontendURL, logger.WithPrefix("web"))
	server := web.NewServer(cfg, handlers, logger.WithPrefix("web"))

	logger.Info("starting herd server",
		"port", cfg.Port,
		"frontend", cfg.FrontendURL,
		"syncInterval", cfg.SyncInterval,
	)
	return server.Run(ctx)
}
