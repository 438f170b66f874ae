package app_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/dcaud/dcaud/internal/app"
	"github.com/dcaud/dcaud/internal/detect"
	"github.com/dcaud/dcaud/internal/observe"
	"github.com/dcaud/dcaud/pkg/audio"
	audiomock "github.com/dcaud/dcaud/pkg/audio/mock"
)

// fakeDetector records the lifecycle calls it receives.
type fakeDetector struct {
	mu       sync.Mutex
	calls    []string
	sources  []detect.Source
	startErr error
}

func (d *fakeDetector) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDetector) SpeakingStarted(_ context.Context, src detect.Source, userID, username string) (detect.Outcome, error) {
	d.record(fmt.Sprintf("start %s/%s %s", src.GuildID(), userID, username))
	d.mu.Lock()
	d.sources = append(d.sources, src)
	err := d.startErr
	d.mu.Unlock()
	return detect.OutcomeOpened, err
}

func (d *fakeDetector) SpeakingStopped(_ context.Context, guildID, userID string) error {
	d.record("stop " + guildID + "/" + userID)
	return nil
}

func (d *fakeDetector) UserLeft(_ context.Context, guildID, userID string) error {
	d.record("left " + guildID + "/" + userID)
	return nil
}

func (d *fakeDetector) DisconnectGuild(_ context.Context, guildID string) error {
	d.record("disconnect " + guildID)
	return nil
}

func (d *fakeDetector) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

type fixture struct {
	mgr      *app.VoiceManager
	det      *fakeDetector
	platform *audiomock.Platform
	conn     *audiomock.Connection
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	conn := &audiomock.Connection{Guild: "g1", Channel: "c1"}
	f := &fixture{
		det:      &fakeDetector{},
		platform: &audiomock.Platform{ConnectResult: conn},
		conn:     conn,
		reader:   reader,
	}
	platforms := func(guildID string) audio.Platform {
		if guildID != "g1" {
			return nil
		}
		return f.platform
	}
	opts = append([]app.Option{app.WithMetrics(met)}, opts...)
	f.mgr = app.NewVoiceManager(platforms, f.det, opts...)
	return f
}

func (f *fixture) join(t *testing.T) {
	t.Helper()
	if err := f.mgr.Join(context.Background(), "g1", "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func (f *fixture) voiceConnections(t *testing.T) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "dcaud.voice.connections" {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func speak(conn *audiomock.Connection, typ audio.EventType, userID, username string) {
	conn.EmitEvent(audio.Event{Type: typ, GuildID: "g1", UserID: userID, Username: username})
}

func TestVoiceManager_BridgesEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)

	speak(f.conn, audio.EventJoin, "u1", "alice")
	speak(f.conn, audio.EventSpeakingStart, "u1", "alice")
	speak(f.conn, audio.EventSpeakingStop, "u1", "alice")
	speak(f.conn, audio.EventLeave, "u1", "alice")

	want := []string{"start g1/u1 alice", "stop g1/u1", "left g1/u1"}
	if got := f.det.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if len(f.det.sources) != 1 || f.det.sources[0] != audio.Connection(f.conn) {
		t.Error("SpeakingStarted did not receive the voice connection as source")
	}
	if got := f.voiceConnections(t); got != 1 {
		t.Errorf("voice connections = %d, want 1", got)
	}
}

func TestVoiceManager_TargetFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, app.WithTarget(app.NewTarget("Alice")))
	f.join(t)

	speak(f.conn, audio.EventSpeakingStart, "u2", "bob")
	speak(f.conn, audio.EventSpeakingStart, "u3", "alicee")
	speak(f.conn, audio.EventSpeakingStart, "u1", "ALICE")

	want := []string{"start g1/u1 ALICE"}
	if got := f.det.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	f.mgr.Target().Set("")
	speak(f.conn, audio.EventSpeakingStart, "u2", "bob")
	if got := f.det.Calls(); len(got) != 2 {
		t.Errorf("empty target should track everyone, calls = %v", got)
	}
}

func TestVoiceManager_StartErrorIsContained(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.det.startErr = detect.ErrStream
	f.join(t)

	speak(f.conn, audio.EventSpeakingStart, "u1", "alice")
	speak(f.conn, audio.EventSpeakingStop, "u1", "alice")

	if got := f.det.Calls(); len(got) != 2 {
		t.Errorf("calls = %v, want start and stop", got)
	}
	if _, ok := f.mgr.Status("g1"); !ok {
		t.Error("a failed start must not drop the connection")
	}
}

func TestVoiceManager_JoinTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)

	if err := f.mgr.Join(context.Background(), "g1", "c1"); !errors.Is(err, app.ErrAlreadyJoined) {
		t.Errorf("second Join = %v, want ErrAlreadyJoined", err)
	}
	if got := len(f.platform.Connects()); got != 1 {
		t.Errorf("Connect calls = %d, want 1", got)
	}
}

func TestVoiceManager_MoveTearsDownOldChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)
	old := f.conn

	next := &audiomock.Connection{Guild: "g1", Channel: "c2"}
	f.platform.ConnectResult = next
	if err := f.mgr.Join(context.Background(), "g1", "c2"); err != nil {
		t.Fatalf("Join c2: %v", err)
	}

	if old.Disconnects() != 1 {
		t.Errorf("old connection disconnects = %d, want 1", old.Disconnects())
	}
	if got := f.det.Calls(); !slices.Equal(got, []string{"disconnect g1"}) {
		t.Errorf("calls = %v", got)
	}
	info, ok := f.mgr.Status("g1")
	if !ok || info.ChannelID != "c2" {
		t.Errorf("Status = %+v, %v; want c2", info, ok)
	}

	// Events from the abandoned connection are ignored.
	speak(old, audio.EventSpeakingStart, "u1", "alice")
	speak(next, audio.EventSpeakingStart, "u1", "alice")
	if got := f.det.Calls(); len(got) != 2 {
		t.Errorf("calls = %v, want one start from the new connection", got)
	}
	if got := f.voiceConnections(t); got != 1 {
		t.Errorf("voice connections = %d, want 1", got)
	}
}

func TestVoiceManager_Leave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)

	if err := f.mgr.Leave(context.Background(), "g1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if f.conn.Disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1", f.conn.Disconnects())
	}
	if _, ok := f.mgr.Status("g1"); ok {
		t.Error("Status still reports a connection after Leave")
	}
	if err := f.mgr.Leave(context.Background(), "g1"); !errors.Is(err, app.ErrNotJoined) {
		t.Errorf("second Leave = %v, want ErrNotJoined", err)
	}

	speak(f.conn, audio.EventSpeakingStart, "u1", "alice")
	if got := f.det.Calls(); !slices.Equal(got, []string{"disconnect g1"}) {
		t.Errorf("calls = %v", got)
	}
	if got := f.voiceConnections(t); got != 0 {
		t.Errorf("voice connections = %d, want 0", got)
	}
}

func TestVoiceManager_LeaveReportsDisconnectError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.conn.DisconnectError = errors.New("gateway gone")
	f.join(t)

	if err := f.mgr.Leave(context.Background(), "g1"); err == nil {
		t.Error("Leave should surface the disconnect error")
	}
	if _, ok := f.mgr.Status("g1"); ok {
		t.Error("connection kept after a failed disconnect")
	}
}

func TestVoiceManager_RemoteDisconnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)

	f.conn.EmitEvent(audio.Event{Type: audio.EventDisconnected, GuildID: "g1"})

	if _, ok := f.mgr.Status("g1"); ok {
		t.Error("connection kept after remote disconnect")
	}
	if got := f.det.Calls(); !slices.Equal(got, []string{"disconnect g1"}) {
		t.Errorf("calls = %v", got)
	}
	if f.conn.Disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1", f.conn.Disconnects())
	}

	// A fresh join works afterwards.
	f.join(t)
}

func TestVoiceManager_JoinErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.platform.ConnectError = errors.New("no permission")
	if err := f.mgr.Join(context.Background(), "g1", "c1"); err == nil {
		t.Error("Join should fail when Connect fails")
	}
	if err := f.mgr.Join(context.Background(), "other", "c1"); err == nil {
		t.Error("Join should fail for a guild without a platform")
	}
	if got := f.mgr.Connections(); len(got) != 0 {
		t.Errorf("Connections = %v, want none", got)
	}
}

func TestVoiceManager_Close(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)

	if err := f.mgr.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.conn.Disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1", f.conn.Disconnects())
	}
	if err := f.mgr.Join(context.Background(), "g1", "c1"); !errors.Is(err, app.ErrClosed) {
		t.Errorf("Join after Close = %v, want ErrClosed", err)
	}
	if err := f.mgr.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestVoiceManager_Connections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t)

	got := f.mgr.Connections()
	if len(got) != 1 || got[0].GuildID != "g1" || got[0].ChannelID != "c1" || got[0].JoinedAt.IsZero() {
		t.Errorf("Connections = %+v", got)
	}
}
