package connection

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"openhabsync/internal/clock"
	"openhabsync/internal/entity"
	"openhabsync/internal/metrics"
	"openhabsync/internal/notify"
	"openhabsync/internal/openhab"
	"openhabsync/internal/synchronizer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	integrationID = "openhab"
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

type fixture struct {
	m       *Manager
	api     *openhab.MockClient
	reg     *entity.Registry
	center  *notify.Center
	clk     *clock.MockClock
	metrics *metrics.Metrics
	netUp   *atomic.Bool
}

func defaultRoster() []entity.Definition {
	return []entity.Definition{
		{ID: "Kitchen_Light", Type: entity.TypeLight},
		{ID: "Hall_Dimmer", Type: entity.TypeLight, Features: entity.NewFeatures(entity.FeatureBrightness)},
		{ID: "Garage_Blind", Type: entity.TypeBlind, Features: entity.NewFeatures(entity.FeaturePosition)},
		{ID: "Porch_Switch", Type: entity.TypeSwitch},
		{ID: "Attic_Light", Type: entity.TypeLight},
	}
}

func defaultItems() []openhab.Item {
	return []openhab.Item{
		{Name: "Kitchen_Light", Type: "Switch", State: "ON"},
		{Name: "Hall_Dimmer", Type: "Dimmer", State: "40"},
		{Name: "Garage_Blind", Type: "Rollershutter", State: "100"},
		{Name: "Unrelated_Sensor", Type: "Number", State: "21.5"},
	}
}

func newFixture(t *testing.T, defs []entity.Definition) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	reg := entity.NewRegistry(logger)
	for _, def := range defs {
		def.IntegrationID = integrationID
		require.NoError(t, reg.Add(def))
	}

	api := openhab.NewMockClient()
	api.SetItems(defaultItems())

	clk := clock.NewMockClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	center := notify.NewCenter(logger, clk)
	mt := metrics.New(prometheus.NewRegistry())
	netUp := &atomic.Bool{}
	netUp.Store(true)

	cfg := Config{
		IntegrationID:       integrationID,
		PollInterval:        time.Hour,
		StandbyPollInterval: 2 * time.Hour,
		ReconnectDelay:      2 * time.Second,
		RetryDelay:          time.Second,
		MaxRetries:          3,
	}
	m := NewManager(cfg, api, reg, synchronizer.New(reg, nil, logger), center, logger,
		WithClock(clk),
		WithMetrics(mt),
		WithNetworkCheck(netUp.Load))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{m: m, api: api, reg: reg, center: center, clk: clk, metrics: mt, netUp: netUp}
}

// onLoop runs fn on the manager's loop and waits for it.
func onLoop(m *Manager, fn func()) {
	done := make(chan struct{})
	m.post(func() {
		fn()
		close(done)
	})
	<-done
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.m.Connect()
	require.Eventually(t, func() bool {
		s := f.m.Status()
		return s.State == Connected && s.StreamConnected
	}, waitFor, tick)
}

func (f *fixture) waitArmed(t *testing.T, timer func() clock.Timer) {
	t.Helper()
	require.Eventually(t, func() bool {
		var armed bool
		onLoop(f.m, func() { armed = timer() != nil })
		return armed
	}, waitFor, tick)
}

func (f *fixture) reconnectArmed(t *testing.T) {
	t.Helper()
	f.waitArmed(t, func() clock.Timer { return f.m.reconnectTimer })
}

func (f *fixture) retryArmed(t *testing.T) {
	t.Helper()
	f.waitArmed(t, func() clock.Timer { return f.m.retryTimer })
}

func (f *fixture) snapshot(t *testing.T, id string) entity.Snapshot {
	t.Helper()
	snap, ok := f.reg.Snapshot(id)
	require.True(t, ok, id)
	return snap
}

func stateFrame(item, value string) string {
	return fmt.Sprintf(`data: {"topic":"openhab/items/%s/state","payload":"{\"type\":\"OnOff\",\"value\":\"%s\"}","type":"ItemStateEvent"}`+"\n\n", item, value)
}

func TestManager_FullPoll(t *testing.T) {
	f := newFixture(t, defaultRoster())
	f.connect(t)

	notes := f.center.List()
	require.Len(t, notes, 1)
	assert.Equal(t, "openHAB: 2 entities missing", notes[0].Message)
	assert.Equal(t, notify.SeverityWarning, notes[0].Severity)

	kitchen := f.snapshot(t, "Kitchen_Light")
	assert.True(t, kitchen.Connected)
	assert.Equal(t, entity.StateOn, kitchen.State)

	hall := f.snapshot(t, "Hall_Dimmer")
	assert.True(t, hall.Connected)
	assert.Equal(t, entity.StateOff, hall.State)
	assert.Equal(t, 40, hall.Attributes[entity.AttrBrightness])

	blind := f.snapshot(t, "Garage_Blind")
	assert.True(t, blind.Connected)
	assert.Equal(t, entity.StateOpen, blind.State)
	assert.Equal(t, 100, blind.Attributes[entity.AttrPosition])

	for _, id := range []string{"Porch_Switch", "Attic_Light"} {
		snap := f.snapshot(t, id)
		assert.False(t, snap.Connected, id)
		assert.Equal(t, entity.StateUnknown, snap.State, id)
	}

	status := f.m.Status()
	assert.Equal(t, []string{"Attic_Light", "Porch_Switch"}, status.Missing)
	assert.False(t, status.LastPoll.IsZero())

	assert.Equal(t, 1, f.api.Probes())
	assert.Equal(t, 1, f.api.ItemPolls())
	assert.Equal(t, 0, f.api.ThingPolls())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Polls.WithLabelValues("full")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EntitiesMissing))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionStatus.WithLabelValues("connected")))
}

func TestManager_FullPollNothingMissing(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	assert.Empty(t, f.center.List())
	assert.Empty(t, f.m.Status().Missing)
}

func TestManager_StreamUpdates(t *testing.T) {
	f := newFixture(t, defaultRoster())
	f.connect(t)

	require.NoError(t, f.api.PushStream(stateFrame("Kitchen_Light", "OFF")))
	require.Eventually(t, func() bool {
		return f.snapshot(t, "Kitchen_Light").State == entity.StateOff
	}, waitFor, tick)

	// split across reads
	frame := stateFrame("Garage_Blind", "57")
	require.NoError(t, f.api.PushStream(frame[:40]))
	require.NoError(t, f.api.PushStream(frame[40:]))
	require.Eventually(t, func() bool {
		return f.snapshot(t, "Garage_Blind").Attributes[entity.AttrPosition] == 57
	}, waitFor, tick)
	assert.Equal(t, entity.StateClosed, f.snapshot(t, "Garage_Blind").State)

	// disconnected entities are not written
	require.NoError(t, f.api.PushStream(stateFrame("Porch_Switch", "ON")))
	require.NoError(t, f.api.PushStream(stateFrame("Kitchen_Light", "ON")))
	require.Eventually(t, func() bool {
		return f.snapshot(t, "Kitchen_Light").State == entity.StateOn
	}, waitFor, tick)
	assert.Equal(t, entity.StateUnknown, f.snapshot(t, "Porch_Switch").State)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamEvents.WithLabelValues("disconnected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ParseErrors.WithLabelValues("truncated")))
}

func TestManager_ReconnectExhaustion(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)
	require.Equal(t, 1, f.api.StreamOpens())

	f.api.SetStreamError(&openhab.StatusError{Method: "GET", Path: "events", Code: 503})
	f.api.DropStream()

	for i := 0; i < 3; i++ {
		f.reconnectArmed(t)
		f.clk.Advance(2 * time.Second)
		want := 2 + i
		require.Eventually(t, func() bool { return f.api.StreamOpens() == want }, waitFor, tick)
		assert.Equal(t, Connected, f.m.Status().State)
		assert.Empty(t, f.center.List())
	}

	f.reconnectArmed(t)
	f.clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return f.m.Status().State == Disconnected
	}, waitFor, tick)

	assert.Equal(t, 4, f.api.StreamOpens())
	notes := f.center.List()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.SeverityError, notes[0].Severity)
	assert.True(t, notes[0].Retryable)
	assert.Contains(t, notes[0].Message, "Cannot connect to openHAB")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.StreamReconnects))

	onLoop(f.m, func() {
		assert.Zero(t, f.m.streamTries)
	})
	assert.Zero(t, f.clk.Pending())

	// the retry action reconnects from scratch
	f.api.SetStreamError(nil)
	require.NoError(t, f.center.Retry(notes[0].ID))
	require.Eventually(t, func() bool {
		s := f.m.Status()
		return s.State == Connected && s.StreamConnected
	}, waitFor, tick)
	assert.Equal(t, 2, f.api.Probes())
}

func TestManager_ReconnectSuccessResetsCounter(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	f.api.SetStreamError(&openhab.StatusError{Method: "GET", Path: "events", Code: 503})
	f.api.DropStream()
	for i := 0; i < 2; i++ {
		f.reconnectArmed(t)
		f.clk.Advance(2 * time.Second)
		want := 2 + i
		require.Eventually(t, func() bool { return f.api.StreamOpens() == want }, waitFor, tick)
	}

	f.api.SetStreamError(nil)
	f.reconnectArmed(t)
	f.clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return f.m.Status().StreamConnected
	}, waitFor, tick)
	assert.Equal(t, 4, f.api.StreamOpens())
	assert.Zero(t, f.m.Status().StreamRetries)

	// a later drop starts a fresh budget
	f.api.SetStreamError(&openhab.StatusError{Method: "GET", Path: "events", Code: 503})
	f.api.DropStream()
	f.reconnectArmed(t)
	f.clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return f.api.StreamOpens() == 5 }, waitFor, tick)

	f.reconnectArmed(t)
	status := f.m.Status()
	assert.Equal(t, Connected, status.State)
	assert.Equal(t, 1, status.StreamRetries)
	assert.Empty(t, f.center.List())
}

func TestManager_ProbeRetries(t *testing.T) {
	t.Run("succeeds within budget", func(t *testing.T) {
		f := newFixture(t, defaultRoster()[:3])
		f.api.FailProbes(2)

		f.m.Connect()
		for i := 0; i < 2; i++ {
			f.retryArmed(t)
			assert.Equal(t, Connecting, f.m.Status().State)
			f.clk.Advance(time.Second)
		}

		require.Eventually(t, func() bool {
			return f.m.Status().State == Connected
		}, waitFor, tick)
		assert.Equal(t, 3, f.api.Probes())
		assert.Empty(t, f.center.List())
	})

	t.Run("exhausted", func(t *testing.T) {
		f := newFixture(t, defaultRoster()[:3])
		f.api.FailProbes(3)

		f.m.Connect()
		for i := 0; i < 2; i++ {
			f.retryArmed(t)
			f.clk.Advance(time.Second)
		}

		require.Eventually(t, func() bool {
			return len(f.center.List()) == 1
		}, waitFor, tick)
		assert.Equal(t, Disconnected, f.m.Status().State)
		assert.Equal(t, 3, f.api.Probes())
		assert.Equal(t, 0, f.api.ItemPolls())
		assert.True(t, f.center.List()[0].Retryable)
	})
}

func TestManager_PollFailure(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.api.SetItemsError(&openhab.StatusError{Method: "GET", Path: "items", Code: 500})

	f.m.Connect()
	for i := 0; i < 2; i++ {
		f.retryArmed(t)
		f.clk.Advance(time.Second)
	}

	require.Eventually(t, func() bool {
		return len(f.center.List()) == 1
	}, waitFor, tick)
	assert.Equal(t, Disconnected, f.m.Status().State)
	assert.Equal(t, 3, f.api.ItemPolls())
	assert.Equal(t, 0, f.api.StreamOpens())
}

func TestManager_NetworkDown(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.netUp.Store(false)

	f.m.Connect()
	for i := 0; i < 2; i++ {
		f.retryArmed(t)
		f.clk.Advance(time.Second)
	}

	require.Eventually(t, func() bool {
		return len(f.center.List()) == 1
	}, waitFor, tick)
	assert.Equal(t, Disconnected, f.m.Status().State)
	assert.Equal(t, 0, f.api.Probes())
	assert.Contains(t, f.center.List()[0].Message, "network is down")
}

func TestManager_NetworkComesUp(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.netUp.Store(false)

	f.m.Connect()
	f.retryArmed(t)
	f.netUp.Store(true)
	f.clk.Advance(time.Second)

	require.Eventually(t, func() bool {
		return f.m.Status().State == Connected
	}, waitFor, tick)
	assert.Empty(t, f.center.List())
}

func TestManager_Standby(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	f.m.EnterStandby()
	require.Eventually(t, func() bool {
		s := f.m.Status()
		return s.Standby && !s.StreamConnected
	}, waitFor, tick)
	assert.Equal(t, Connected, f.m.Status().State)

	// the dropped stream does not schedule a reconnect
	onLoop(f.m, func() {
		assert.Nil(t, f.m.reconnectTimer)
	})

	// fallback poll runs at the standby cadence
	f.clk.Advance(time.Hour)
	onLoop(f.m, func() {})
	assert.Equal(t, 1, f.api.ItemPolls())
	f.clk.Advance(time.Hour)
	require.Eventually(t, func() bool { return f.api.ItemPolls() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		var inFlight bool
		onLoop(f.m, func() { inFlight = f.m.pollInFlight })
		return !inFlight
	}, waitFor, tick)

	f.m.LeaveStandby()
	require.Eventually(t, func() bool {
		s := f.m.Status()
		return !s.Standby && s.StreamConnected
	}, waitFor, tick)
	require.Eventually(t, func() bool { return f.api.ItemPolls() == 3 }, waitFor, tick)
	assert.Equal(t, 2, f.api.Probes())
	assert.Equal(t, 2, f.api.StreamOpens())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Polls.WithLabelValues("full")))
}

func TestManager_Disconnect(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	f.m.Disconnect()
	require.Eventually(t, func() bool {
		return f.m.Status().State == Disconnected
	}, waitFor, tick)

	onLoop(f.m, func() {
		assert.Nil(t, f.m.reconnectTimer)
		assert.Nil(t, f.m.pollTimer)
		assert.Nil(t, f.m.retryTimer)
	})
	assert.Zero(t, f.clk.Pending())

	f.clk.Advance(time.Minute)
	onLoop(f.m, func() {})
	assert.Equal(t, 1, f.api.StreamOpens())
	assert.Empty(t, f.center.List())
	assert.False(t, f.m.Status().StreamConnected)
}

func TestManager_ConnectWhileConnectedIsIgnored(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	f.m.Connect()
	onLoop(f.m, func() {})

	assert.Equal(t, 1, f.api.Probes())
	assert.Equal(t, Connected, f.m.Status().State)
}

func TestManager_FallbackPollWhileStreamDown(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	// stream up: ticks do not poll
	f.clk.Advance(time.Hour)
	onLoop(f.m, func() {})
	assert.Equal(t, 1, f.api.ItemPolls())

	f.api.SetStreamError(&openhab.StatusError{Method: "GET", Path: "events", Code: 503})
	f.api.DropStream()
	f.reconnectArmed(t)
	f.clk.Advance(time.Hour)

	require.Eventually(t, func() bool { return f.api.ItemPolls() == 2 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Polls.WithLabelValues("incremental")))
}

func TestManager_StaleCallbacks(t *testing.T) {
	f := newFixture(t, defaultRoster()[:3])
	f.connect(t)

	t.Run("stale request reply is dropped", func(t *testing.T) {
		var called atomic.Bool
		onLoop(f.m, func() {
			stale := f.m.connEpoch - 1
			request(f.m, stale, "test", 1, func(context.Context) (int, error) {
				return 1, nil
			}, func(int) {
				called.Store(true)
			})
		})
		assert.Never(t, called.Load, 100*time.Millisecond, tick)
	})

	t.Run("stale stream chunk is dropped", func(t *testing.T) {
		onLoop(f.m, func() {
			f.m.streamChunk(f.m.streamEpoch-1, []byte(stateFrame("Kitchen_Light", "OFF")))
		})
		assert.Equal(t, entity.StateOn, f.snapshot(t, "Kitchen_Light").State)
	})

	t.Run("stale stream end is dropped", func(t *testing.T) {
		onLoop(f.m, func() {
			f.m.streamFinished(f.m.streamEpoch-1, fmt.Errorf("old"))
			assert.Nil(t, f.m.reconnectTimer)
			assert.True(t, f.m.streamConnected)
		})
	})
}

func TestManager_MediaPlayers(t *testing.T) {
	defs := append(defaultRoster()[:3],
		entity.Definition{ID: "sonos:One:living", Type: entity.TypeMediaPlayer},
		entity.Definition{ID: "sonos:One:kitchen", Type: entity.TypeMediaPlayer},
	)
	f := newFixture(t, defs)
	f.api.SetThings([]openhab.Thing{
		{
			UID: "sonos:One:living",
			Channels: []openhab.Channel{
				{ID: "control", LinkedItems: []string{"Living_Control"}},
				{ID: "volume", LinkedItems: []string{"Living_Volume"}},
				{ID: "mute", LinkedItems: nil},
				{ID: "zonename", LinkedItems: []string{"Living_Zone"}},
			},
		},
	})
	f.api.SetItems(append(defaultItems(),
		openhab.Item{Name: "Living_Control", State: "PLAY"},
		openhab.Item{Name: "Living_Volume", State: "35"},
	))

	f.connect(t)

	living := f.snapshot(t, "sonos:One:living")
	assert.True(t, living.Connected)
	assert.Equal(t, entity.StatePlaying, living.State)
	assert.Equal(t, 35, living.Attributes[entity.AttrVolume])

	assert.False(t, f.snapshot(t, "sonos:One:kitchen").Connected)

	notes := f.center.List()
	require.Len(t, notes, 1)
	assert.Equal(t, "openHAB: 1 players missing", notes[0].Message)
	assert.Equal(t, []string{"sonos:One:kitchen"}, f.m.Status().MissingPlayers)
	assert.Equal(t, 1, f.api.ThingPolls())

	// stream updates for player items reach the player
	require.NoError(t, f.api.PushStream(stateFrame("Living_Control", "PAUSE")))
	require.Eventually(t, func() bool {
		return f.snapshot(t, "sonos:One:living").State == entity.StateIdle
	}, waitFor, tick)
}

func TestState(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())

	assert.True(t, canTransition(Disconnected, Connecting))
	assert.True(t, canTransition(Connecting, Connected))
	assert.True(t, canTransition(Connected, Disconnected))
	assert.False(t, canTransition(Disconnected, Connected))
	assert.False(t, canTransition(Connected, Connecting))
}
