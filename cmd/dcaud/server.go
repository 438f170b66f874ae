package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dcaud/dcaud/internal/app"
	"github.com/dcaud/dcaud/internal/config"
	"github.com/dcaud/dcaud/internal/detect"
	discordbot "github.com/dcaud/dcaud/internal/discord"
	"github.com/dcaud/dcaud/internal/health"
	"github.com/dcaud/dcaud/internal/observe"
	"github.com/dcaud/dcaud/pkg/provider/vad"
)

type serverDeps struct {
	bot      *discordbot.Bot
	voice    *app.VoiceManager
	detector *detect.Detector
	engine   vad.Engine
	sinks    *sinkSet
	metrics  *observe.Metrics
}

// newServer builds the HTTP server for probes, metrics, status and the live
// feed. It returns nil when server.listen_addr is empty.
func newServer(cfg *config.Config, d serverDeps) *http.Server {
	if cfg.Server.ListenAddr == "" {
		return nil
	}

	probes := health.New(
		health.Flag("discord", d.bot.Connected, "gateway disconnected"),
		health.Checker{
			Name: "vad",
			Check: func(context.Context) error {
				return detect.CheckEngine(d.detector.Config(), d.engine)
			},
		},
	)

	mux := http.NewServeMux()
	probes.Register(mux)

	if cfg.Telemetry.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var history app.History
	if d.sinks.journal != nil {
		history = d.sinks.journal
		probes.Add(health.Checker{Name: "journal", Check: d.sinks.journal.Ping})
	}
	mux.Handle("GET /status", app.StatusHandler(d.voice, d.detector, history))

	if d.sinks.feed != nil {
		mux.Handle("GET /ws", d.sinks.feed)
	}

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(d.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
