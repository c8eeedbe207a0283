// Package connection keeps an openHAB instance and the entity registry in
// step: it probes the hub, runs the initial full poll, holds the event
// stream open and reconnects it when it drops.
//
// All connection state is owned by a single loop goroutine started with
// Run. Network calls happen on helper goroutines and post their results
// back to the loop tagged with the epoch they were started under; results
// from an older epoch are dropped.
package connection

import (
	"context"
	"net"
	"sync"
	"time"

	"openhabsync/internal/clock"
	"openhabsync/internal/entity"
	"openhabsync/internal/metrics"
	"openhabsync/internal/notify"
	"openhabsync/internal/openhab"
	"openhabsync/internal/stream"
	"openhabsync/internal/synchronizer"

	"go.uber.org/zap"
)

// Config holds the timing and retry policy.
type Config struct {
	IntegrationID       string
	PollInterval        time.Duration
	StandbyPollInterval time.Duration
	ReconnectDelay      time.Duration
	RetryDelay          time.Duration
	MaxRetries          int
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		PollInterval:        time.Second,
		StandbyPollInterval: time.Minute,
		ReconnectDelay:      2 * time.Second,
		RetryDelay:          time.Second,
		MaxRetries:          3,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for retry, reconnect and poll timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMetrics records activity on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithNetworkCheck replaces the interface check run before connecting.
func WithNetworkCheck(up func() bool) Option {
	return func(m *Manager) {
		m.netUp = up
	}
}

// Manager runs the connection state machine.
type Manager struct {
	cfg     Config
	api     openhab.API
	store   entity.Store
	syncer  *synchronizer.Synchronizer
	sink    notify.Sink
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	netUp   func() bool
	parser  *stream.Parser

	events  chan func()
	stopped chan struct{}

	// Owned by the loop.
	runCtx          context.Context
	state           State
	standby         bool
	userDisconnect  bool
	connEpoch       uint64
	streamEpoch     uint64
	connCtx         context.Context
	connCancel      context.CancelFunc
	streamCancel    context.CancelFunc
	streamConnected bool
	streamTries     int
	pollInFlight    bool
	lastPoll        time.Time
	missing         []string
	missingPlayers  []string
	retryTimer      clock.Timer
	reconnectTimer  clock.Timer
	pollTimer       clock.Timer

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a manager. Nothing happens until Run is started and
// Connect is called.
func NewManager(cfg Config, api openhab.API, store entity.Store, syncer *synchronizer.Synchronizer, sink notify.Sink, logger *zap.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StandbyPollInterval <= 0 {
		cfg.StandbyPollInterval = def.StandbyPollInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	m := &Manager{
		cfg:     cfg,
		api:     api,
		store:   store,
		syncer:  syncer,
		sink:    sink,
		clock:   clock.NewRealClock(),
		logger:  logger,
		netUp:   interfacesUp,
		events:  make(chan func(), 64),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
		state:   Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.parser = stream.NewParser(logger.Named("stream"), stream.WithErrorHook(func(kind stream.ErrorKind) {
		m.metrics.IncParseError(string(kind))
	}))
	m.metrics.SetConnectionState(Disconnected.String())
	m.status = Status{State: Disconnected}
	return m
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	defer close(m.stopped)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case fn := <-m.events:
			fn()
			m.publish()
		}
	}
}

// Connect starts a connection attempt unless one is active.
func (m *Manager) Connect() {
	m.post(m.connect)
}

// Disconnect closes the connection without triggering reconnects.
func (m *Manager) Disconnect() {
	m.post(m.disconnect)
}

// EnterStandby suspends the event stream while staying connected.
func (m *Manager) EnterStandby() {
	m.post(m.enterStandby)
}

// LeaveStandby re-probes the hub, reopens the stream and polls.
func (m *Manager) LeaveStandby() {
	m.post(m.leaveStandby)
}

// Refresh issues an incremental poll when connected.
func (m *Manager) Refresh() {
	m.post(func() {
		if m.state == Connected {
			m.poll(false)
		}
	})
}

// Status returns the last published state.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	s := m.status
	s.Missing = append([]string(nil), s.Missing...)
	s.MissingPlayers = append([]string(nil), s.MissingPlayers...)
	return s
}

// post hands fn to the loop. It returns without running fn once the loop
// has exited.
func (m *Manager) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.stopped:
	}
}

// after schedules fn on the loop once d has elapsed.
func (m *Manager) after(d time.Duration, fn func()) clock.Timer {
	return m.clock.AfterFunc(d, func() {
		m.post(fn)
	})
}

func (m *Manager) publish() {
	m.statusMu.Lock()
	m.status = Status{
		State:           m.state,
		Standby:         m.standby,
		StreamConnected: m.streamConnected,
		StreamRetries:   m.streamTries,
		LastPoll:        m.lastPoll,
		Missing:         append([]string(nil), m.missing...),
		MissingPlayers:  append([]string(nil), m.missingPlayers...),
	}
	m.statusMu.Unlock()
}

func (m *Manager) transition(to State) bool {
	if m.state == to {
		return true
	}
	if !canTransition(m.state, to) {
		m.logger.Warn("Rejected connection state change",
			zap.Stringer("from", m.state),
			zap.Stringer("to", to))
		return false
	}
	m.logger.Info("Connection state changed",
		zap.Stringer("from", m.state),
		zap.Stringer("to", to))
	m.state = to
	m.metrics.SetConnectionState(to.String())
	return true
}

// teardown invalidates every outstanding callback and stops all timers.
func (m *Manager) teardown() {
	m.connEpoch++
	m.abortStream()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.retryTimer = stopTimer(m.retryTimer)
	m.reconnectTimer = stopTimer(m.reconnectTimer)
	m.pollTimer = stopTimer(m.pollTimer)
	m.pollInFlight = false
}

func (m *Manager) shutdown() {
	m.userDisconnect = true
	m.teardown()
	if m.state != Disconnected {
		m.transition(Disconnected)
	}
	m.publish()
}

func (m *Manager) disconnect() {
	if m.state == Disconnected {
		return
	}
	m.userDisconnect = true
	m.teardown()
	m.standby = false
	m.streamTries = 0
	m.transition(Disconnected)
}

// fail drops the connection and leaves a retry affordance for the user.
func (m *Manager) fail(message string, err error) {
	m.logger.Error("Connection failed",
		zap.String("reason", message),
		zap.Error(err))
	m.teardown()
	m.streamTries = 0
	m.transition(Disconnected)
	m.sink.Notify(notify.SeverityError, message, m.Connect)
}

func stopTimer(t clock.Timer) clock.Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}

// interfacesUp reports whether any non-loopback interface is up.
func interfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
