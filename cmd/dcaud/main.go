// Command dcaud is the entry point for the dcaud Discord speaking detector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dcaud/dcaud/internal/app"
	"github.com/dcaud/dcaud/internal/config"
	"github.com/dcaud/dcaud/internal/detect"
	discordbot "github.com/dcaud/dcaud/internal/discord"
	"github.com/dcaud/dcaud/internal/discord/commands"
	"github.com/dcaud/dcaud/internal/notify"
	"github.com/dcaud/dcaud/internal/observe"
	discordaudio "github.com/dcaud/dcaud/pkg/audio/discord"
	"github.com/dcaud/dcaud/pkg/provider/vad"
)

// version is stamped at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	target := flag.String("target", "", "only detect this username (overrides detection.target_username)")
	webhook := flag.String("webhook", "", "POST speaking transitions to this URL (overrides notify.webhook_url)")
	listen := flag.String("listen", "", "HTTP listen address (overrides server.listen_addr)")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// Precedence: file < environment < flags. The watcher re-applies the
	// overlay on every reload.
	overlay := func(c *config.Config) {
		config.ApplyEnv(c)
		if set["target"] {
			c.Detection.TargetUsername = *target
		}
		if set["webhook"] {
			c.Notify.WebhookURL = *webhook
		}
		if set["listen"] {
			c.Server.ListenAddr = *listen
		}
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "dcaud: %v\n", err)
		return 1
	}

	cfg, fromFile, err := loadConfig(*configPath, set["config"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcaud: %v\n", err)
		return 1
	}
	overlay(cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dcaud: invalid configuration:\n%v\n", err)
		return 1
	}
	if cfg.Discord.Token == "" {
		fmt.Fprintf(os.Stderr, "dcaud: no Discord token, set %s or discord.token\n", config.EnvDiscordToken)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dcaud starting",
		"version", version,
		"config", configSource(*configPath, fromFile),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		DisableMetrics: !cfg.Telemetry.Metrics,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── VAD engine ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerVADEngines(reg, cfg.Detection.FrameSamples)

	engine, err := detect.InitEngine(ctx, func() (vad.Engine, error) {
		return reg.CreateVAD(cfg.VAD)
	}, cfg.VAD.InitAttempts, cfg.VAD.InitBackoff())
	if err != nil {
		slog.Error("failed to initialise VAD engine", "engine", cfg.VAD.Name, "err", err)
		return 1
	}
	if c, ok := engine.(io.Closer); ok {
		defer c.Close()
	}

	// ── Notification sinks ────────────────────────────────────────────────────
	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		slog.Error("failed to build notification sinks", "err", err)
		return 1
	}
	defer sinks.close()

	dispatcher := notify.NewDispatcher(sinks.notifiers,
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithTimeout(cfg.Notify.Timeout()),
		notify.WithMetrics(metrics),
	)

	// ── Detector ──────────────────────────────────────────────────────────────
	detector, err := detect.New(cfg.Detection.Detect(), engine, dispatcher, detect.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to create detector", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:         cfg.Discord.Token,
		GuildID:       cfg.Discord.GuildID,
		CommandPrefix: cfg.Discord.CommandPrefix,
		ControlRoleID: cfg.Discord.ControlRoleID,
		AudioOptions: []discordaudio.Option{
			discordaudio.WithSpeakingEndDelay(cfg.Discord.SpeakingEndDelay()),
			discordaudio.WithDropHook(func(string) {
				metrics.DroppedChunks.Add(context.Background(), 1)
			}),
		},
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	voice := app.NewVoiceManager(bot.Platform, detector,
		app.WithTarget(app.NewTarget(cfg.Detection.TargetUsername)),
		app.WithMetrics(metrics),
	)
	commands.NewVoiceCommands(bot, voice, detector)

	// ── HTTP server ───────────────────────────────────────────────────────────
	server := newServer(cfg, serverDeps{
		bot:      bot,
		voice:    voice,
		detector: detector,
		engine:   engine,
		sinks:    sinks,
		metrics:  metrics,
	})

	// ── Config watcher ────────────────────────────────────────────────────────
	var watcher *config.Watcher
	if fromFile {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(old, new, level, detector, voice.Target())
		}, config.WithOverlay(overlay))
		if err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, sinks)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if server != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if ch := cfg.Discord.AutoJoinChannelID; ch != "" {
		joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := voice.Join(joinCtx, cfg.Discord.GuildID, ch); err != nil {
			slog.Error("auto-join failed", "guild_id", cfg.Discord.GuildID, "channel_id", ch, "err", err)
		}
		cancel()
	}

	slog.Info("dcaud ready, press Ctrl+C to shut down")

	code := 0
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	// Voice before detector before dispatcher: final transitions must be
	// queued before the queue drains.
	if err := voice.Close(shutdownCtx); err != nil {
		slog.Warn("voice shutdown error", "err", err)
	}
	if err := detector.Shutdown(shutdownCtx); err != nil {
		slog.Warn("detector shutdown error", "err", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Warn("notification dispatcher close error", "err", err)
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return code
}

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly; otherwise the stock configuration is used.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg = config.Default()
		config.ApplyDefaults(cfg)
		return cfg, false, nil
	}
	return nil, false, err
}

func configSource(path string, fromFile bool) string {
	if fromFile {
		return path
	}
	return "(defaults)"
}

// applyReload pushes the hot-reloadable parts of a changed config into the
// running components.
func applyReload(old, new *config.Config, level *slog.LevelVar, detector *detect.Detector, target *app.Target) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DetectionChanged {
		if err := detector.SetConfig(new.Detection.Detect()); err != nil {
			slog.Warn("detection config rejected", "err", err)
		} else {
			slog.Info("detection config reloaded, applies to new sessions")
		}
	}
	if d.TargetChanged {
		target.Set(d.NewTarget)
		slog.Info("target username changed", "target", d.NewTarget)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, sinks *sinkSet) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          dcaud · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("VAD engine", cfg.VAD.Name)
	printRow("Target", orDefault(cfg.Detection.TargetUsername, "(everyone)"))
	printRow("Guild", orDefault(cfg.Discord.GuildID, "(global)"))
	printRow("Auto-join", orDefault(cfg.Discord.AutoJoinChannelID, "(off)"))
	printRow("Sinks", orDefault(sinks.names(), "(none)"))
	printRow("Listen addr", orDefault(cfg.Server.ListenAddr, "(disabled)"))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
