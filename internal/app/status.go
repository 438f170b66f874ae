package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dcaud/dcaud/internal/detect"
	"github.com/dcaud/dcaud/internal/journal"
)

// defaultRecentLimit is the number of journal rows /status returns when the
// request does not set ?limit.
const defaultRecentLimit = 20

// SessionLister lists the live detection sessions. *detect.Detector
// satisfies it.
type SessionLister interface {
	Snapshot() []detect.SessionInfo
}

// History returns recently journaled transitions. *journal.Store satisfies
// it.
type History interface {
	Recent(ctx context.Context, guildID string, limit int) ([]journal.Entry, error)
}

// Status is the body served by [StatusHandler].
type Status struct {
	Target      string               `json:"target"`
	Connections []ConnectionInfo     `json:"connections"`
	Sessions    []detect.SessionInfo `json:"sessions"`
	Recent      []journal.Entry      `json:"recent,omitempty"`
}

// StatusHandler serves a JSON snapshot of the voice connections, the live
// sessions and, when history is non-nil, the most recent transitions. The
// optional query parameters guild and limit narrow the result.
func StatusHandler(voice *VoiceManager, sessions SessionLister, history History) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guildID := r.URL.Query().Get("guild")

		st := Status{
			Target:      voice.Target().Name(),
			Connections: []ConnectionInfo{},
			Sessions:    []detect.SessionInfo{},
		}
		for _, c := range voice.Connections() {
			if guildID == "" || c.GuildID == guildID {
				st.Connections = append(st.Connections, c)
			}
		}
		for _, s := range sessions.Snapshot() {
			if guildID == "" || s.GuildID == guildID {
				st.Sessions = append(st.Sessions, s)
			}
		}

		if history != nil {
			limit := defaultRecentLimit
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
					return
				}
				limit = n
			}
			recent, err := history.Recent(r.Context(), guildID, limit)
			if err != nil {
				slog.Warn("app: status: load recent transitions", "err", err)
				http.Error(w, "journal unavailable", http.StatusServiceUnavailable)
				return
			}
			st.Recent = recent
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(st)
	})
}
