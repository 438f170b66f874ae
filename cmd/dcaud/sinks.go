package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dcaud/dcaud/internal/config"
	"github.com/dcaud/dcaud/internal/journal"
	"github.com/dcaud/dcaud/internal/notify"
	"github.com/dcaud/dcaud/internal/resilience"
)

// sinkSet holds the notification sinks built from the config. feed and
// journal are nil when disabled.
type sinkSet struct {
	notifiers []notify.Notifier
	feed      *notify.Feed
	journal   *journal.Store
}

// buildSinks creates the webhook, websocket feed and journal sinks that cfg
// enables.
func buildSinks(ctx context.Context, cfg *config.Config) (*sinkSet, error) {
	s := &sinkSet{}

	if cfg.Notify.WebhookURL != "" {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "webhook",
			MaxFailures:  cfg.Notify.BreakerFailures,
			ResetTimeout: cfg.Notify.BreakerReset(),
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		})
		wh, err := notify.NewWebhook(cfg.Notify.WebhookURL, notify.WithBreaker(breaker))
		if err != nil {
			return nil, err
		}
		s.notifiers = append(s.notifiers, wh)
	}

	if cfg.Notify.Websocket && cfg.Server.ListenAddr != "" {
		s.feed = notify.NewFeed()
		s.notifiers = append(s.notifiers, s.feed)
	}

	if cfg.Journal.PostgresDSN != "" {
		store, err := journal.NewStore(ctx, cfg.Journal.PostgresDSN)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("journal: %w", err)
		}
		s.journal = store
		s.notifiers = append(s.notifiers, store)
	}

	return s, nil
}

// names lists the enabled sinks for the startup summary.
func (s *sinkSet) names() string {
	names := make([]string, 0, len(s.notifiers))
	for _, n := range s.notifiers {
		names = append(names, n.Name())
	}
	return strings.Join(names, ", ")
}

// close disconnects feed clients and releases the journal pool.
func (s *sinkSet) close() {
	if s.feed != nil {
		s.feed.Close()
	}
	if s.journal != nil {
		s.journal.Close()
	}
}
