// Command songbot is the main entrypoint for the radio stream bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and applies the idempotent schema.
//   - Wires the event bus to the chat client, command router, downloader and scheduler.
//   - Drives an mpv process for playback.
//   - Exposes an HTTP server with /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/chat"
	"github.com/onnwee/songbot/config"
	"github.com/onnwee/songbot/db"
	"github.com/onnwee/songbot/downloader"
	"github.com/onnwee/songbot/player"
	"github.com/onnwee/songbot/router"
	"github.com/onnwee/songbot/scheduler"
	"github.com/onnwee/songbot/server"
	"github.com/onnwee/songbot/store"
	"github.com/onnwee/songbot/telemetry"
)

// logReplier stands in for chat when no Twitch credentials are configured.
type logReplier struct{}

func (logReplier) Say(text string) {
	slog.Info("chat reply (chat disabled)", slog.String("component", "router"), slog.String("text", text))
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("songbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Open(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = db.Migrate(migrateCtx, database)
	cancel()
	if err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}

	st := store.New(database)
	events := bus.New(cfg.BusCapacity)
	defer events.Close()

	assets, err := downloader.NewAssetStore(ctx, cfg)
	if err != nil {
		slog.Error("asset store init failed", slog.Any("err", err), slog.String("backend", cfg.AssetBackend))
		os.Exit(1)
	}

	mpv, err := player.NewMPV(cfg.MPVPath)
	if err != nil {
		slog.Error("mpv start failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer mpv.Close()

	// Subscribe everything before the first publish so no early event is missed.
	// Each consumer only buffers the kinds it handles, so a chat burst cannot evict a control.
	dlSub := events.Subscribe("downloader", bus.SongQueued{}.Kind(), bus.SongDeleted{}.Kind())
	schedSub := events.Subscribe("scheduler", bus.Control{}.Kind(), bus.DownloadFailed{}.Kind())
	routerSub := events.Subscribe("router", bus.UserCommand{}.Kind())

	var replier router.Replier = logReplier{}
	var chatClient *chat.Client
	if c, err := chat.New(cfg, events); err == nil {
		chatClient = c
		replier = c
	} else {
		slog.Info("chat disabled (missing twitch creds)", slog.Any("err", err))
	}

	manager := downloader.NewManager(st, assets, events, downloader.OptionsFromConfig(cfg))
	sched := scheduler.New(st, mpv, assets, events, schedSub, scheduler.Options{TickInterval: cfg.TickInterval})
	rt := router.New(st, events, replier, cfg.IsAdminUser)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); manager.Run(ctx, dlSub) }()
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler exited", slog.Any("err", err))
			stop()
		}
	}()
	go func() { defer wg.Done(); rt.Run(ctx, routerSub) }()

	if chatClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := chatClient.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("twitch chat exited", slog.Any("err", err))
			}
		}()
	}

	// mpv exiting underneath us leaves nothing to play on.
	go func() {
		select {
		case <-mpv.Exited():
			slog.Error("mpv process exited, shutting down")
			stop()
		case <-ctx.Done():
		}
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		deps := server.Deps{
			DB:         database,
			Store:      st,
			Scheduler:  sched,
			Bus:        events,
			MaxTickAge: 50 * cfg.TickInterval,
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}
