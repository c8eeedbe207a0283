package testutil

import (
	"context"
	"fmt"
	"time"

	"openhabsync/internal/command"
	"openhabsync/internal/connection"
	"openhabsync/internal/entity"
	"openhabsync/internal/metrics"
	"openhabsync/internal/notify"
	"openhabsync/internal/openhab"
	"openhabsync/internal/synchronizer"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// IntegrationID owns every entity created by NewTestEnv.
const IntegrationID = "openhab"

// TestEnv wires the real client, registry, synchronizer, connection
// manager and dispatcher against a MockOpenHABServer.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("token", defs)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	env.Server.SetItem("Kitchen_Light", "Switch", "ON")
//	env.Manager.Connect()
type TestEnv struct {
	Server       *MockOpenHABServer
	Client       *openhab.Client
	Registry     *entity.Registry
	Synchronizer *synchronizer.Synchronizer
	Manager      *connection.Manager
	Dispatcher   *command.Dispatcher
	Notes        *notify.Center
	Prometheus   *prometheus.Registry
	Logger       *zap.Logger

	cancel context.CancelFunc
	done   chan error
}

// ManagerConfig is the connection configuration used by NewTestEnv: short
// delays and a fallback poll that never fires during a test.
func ManagerConfig() connection.Config {
	return connection.Config{
		IntegrationID:       IntegrationID,
		PollInterval:        time.Hour,
		StandbyPollInterval: time.Hour,
		ReconnectDelay:      50 * time.Millisecond,
		RetryDelay:          20 * time.Millisecond,
		MaxRetries:          3,
	}
}

// NewTestEnv starts a mock server, registers defs under IntegrationID and
// runs a connection manager. The manager is not connected yet.
func NewTestEnv(token string, defs []entity.Definition, opts ...connection.Option) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockOpenHABServer(token)

	reg := entity.NewRegistry(logger)
	for _, def := range defs {
		def.IntegrationID = IntegrationID
		if err := reg.Add(def); err != nil {
			server.Close()
			return nil, fmt.Errorf("failed to register entity: %w", err)
		}
	}

	promReg := prometheus.NewRegistry()
	client := openhab.NewClient(server.URL(), token, logger)
	syncer := synchronizer.New(reg, nil, logger)
	center := notify.NewCenter(logger, nil)

	opts = append([]connection.Option{
		connection.WithMetrics(metrics.New(promReg)),
		connection.WithNetworkCheck(func() bool { return true }),
	}, opts...)
	manager := connection.NewManager(ManagerConfig(), client, reg, syncer, center, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	return &TestEnv{
		Server:       server,
		Client:       client,
		Registry:     reg,
		Synchronizer: syncer,
		Manager:      manager,
		Dispatcher:   command.NewDispatcher(reg, syncer.Players(), client, logger),
		Notes:        center,
		Prometheus:   promReg,
		Logger:       logger,
		cancel:       cancel,
		done:         done,
	}, nil
}

// Connected reports whether the manager is connected with its stream open.
func (e *TestEnv) Connected() bool {
	st := e.Manager.Status()
	return st.State == connection.Connected && st.StreamConnected && e.Server.StreamCount() > 0
}

// Entity returns the snapshot of an entity, or a zero snapshot.
func (e *TestEnv) Entity(id string) entity.Snapshot {
	snap, _ := e.Registry.Snapshot(id)
	return snap
}

// Cleanup stops the manager, then the server.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	e.cancel()
	<-e.done
	e.Server.Close()
}
