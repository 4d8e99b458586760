// Command clip-scout tracks a Twitch channel's chat alongside the game being
// played. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the session tracker: a chat feed plus a periodic game-status
//     poll that partitions the transcript into streams and segments.
//   - Exposes an HTTP API with health, status, stream listings, density
//     stats, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: the open segment is closed and the
// current stream is flushed before the process exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/clip-scout/chat"
	"github.com/onnwee/clip-scout/config"
	"github.com/onnwee/clip-scout/db"
	"github.com/onnwee/clip-scout/server"
	"github.com/onnwee/clip-scout/stats"
	"github.com/onnwee/clip-scout/telemetry"
	"github.com/onnwee/clip-scout/tracker"
	"github.com/onnwee/clip-scout/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("clip-scout", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations")
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(ctx, database); err != nil {
			cancel()
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		cancel()
	}
	store := &db.Store{DB: database}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Categories: built-in set, optionally overridden and hot-reloaded from file.
	cats := stats.NewCategorySet(stats.DefaultCategories())
	if cfg.CategoriesFile != "" {
		if loaded, err := stats.LoadCategories(cfg.CategoriesFile); err != nil {
			slog.Warn("categories file load failed; using defaults", slog.Any("err", err))
		} else {
			cats.Set(loaded)
		}
		if err := stats.WatchCategories(ctx, cfg.CategoriesFile, cats.Set); err != nil {
			slog.Warn("categories watch failed", slog.Any("err", err))
		}
	}
	statsOpts := stats.Options{
		BucketSeconds:   cfg.BucketSeconds,
		ClipStartOffset: cfg.ClipStartOffset,
		Threshold:       cfg.ClipThreshold,
		Substring:       cfg.MatchSubstring,
	}

	// Session tracker: requires channel + app creds; without them the binary
	// serves previously recorded data only.
	var tr *tracker.Tracker
	if err := cfg.ValidateTrackerReady(); err != nil {
		slog.Info("session tracker disabled", slog.Any("reason", err))
	} else {
		if err := store.EnsureStreamer(ctx, cfg.Streamer); err != nil {
			slog.Error("failed to ensure streamer", slog.Any("err", err))
			os.Exit(1)
		}
		oracle := &twitchapi.StatusOracle{
			Client: &twitchapi.HelixClient{
				AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
				ClientID:       cfg.TwitchClientID,
			},
			Login: cfg.Streamer,
		}
		tr = tracker.New(cfg.Streamer, oracle, store)
		go tr.Run(ctx, cfg.PollInterval)
		go chat.StartChatFeed(ctx, cfg, tr)
	}

	// HTTP server (health/status/stats/metrics)
	handlers := server.NewHandlers(store, tr, cats, statsOpts)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	// Flush in-flight transcript data before exit.
	if tr != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := tr.Close(flushCtx); err != nil {
			slog.Error("tracker flush failed", slog.Any("err", err))
		}
		cancel()
	}
}
