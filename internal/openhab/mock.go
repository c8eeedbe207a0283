package openhab

import (
	"context"
	"errors"
	"io"
	"sync"
)

// SentCommand records a command passed to MockClient.
type SentCommand struct {
	Item    string
	Command string
}

// MockClient implements API and Commander for testing. Stream data is
// pushed by the test through PushStream.
type MockClient struct {
	mu sync.Mutex

	items      []Item
	things     []Thing
	probeErr   error
	probeFails int
	itemsErr   error
	streamErr  error
	commandErr error

	probes      int
	itemPolls   int
	thingPolls  int
	streamOpens int
	writer      *io.PipeWriter
	commands    []SentCommand
}

var (
	_ API       = (*MockClient)(nil)
	_ Commander = (*MockClient)(nil)
)

// NewMockClient creates a reachable mock hub with no items.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SetItems replaces the item list served by Items.
func (m *MockClient) SetItems(items []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]Item(nil), items...)
}

// SetThings replaces the thing list served by Things.
func (m *MockClient) SetThings(things []Thing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.things = append([]Thing(nil), things...)
}

// SetProbeError makes every SystemInfo call fail with err (nil clears it).
func (m *MockClient) SetProbeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeErr = err
}

// FailProbes makes the next n SystemInfo calls fail.
func (m *MockClient) FailProbes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeFails = n
}

// SetItemsError makes Items fail with err (nil clears it).
func (m *MockClient) SetItemsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsErr = err
}

// SetStreamError makes OpenStream fail with err (nil clears it).
func (m *MockClient) SetStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
}

// SetCommandError makes SendCommand fail with err (nil clears it).
func (m *MockClient) SetCommandError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandErr = err
}

// SystemInfo simulates the reachability probe.
func (m *MockClient) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if m.probeFails > 0 {
		m.probeFails--
		return nil, &StatusError{Method: "GET", Path: "systeminfo", Code: 503}
	}
	if m.probeErr != nil {
		return nil, m.probeErr
	}
	return &SystemInfo{}, nil
}

// Items returns the configured items.
func (m *MockClient) Items(ctx context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemPolls++
	if m.itemsErr != nil {
		return nil, m.itemsErr
	}
	return append([]Item(nil), m.items...), nil
}

// Things returns the configured things.
func (m *MockClient) Things(ctx context.Context) ([]Thing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thingPolls++
	return append([]Thing(nil), m.things...), nil
}

// OpenStream returns a stream fed by PushStream. Cancelling ctx ends it.
func (m *MockClient) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamOpens++
	if m.streamErr != nil {
		return nil, m.streamErr
	}

	pr, pw := io.Pipe()
	if m.writer != nil {
		m.writer.CloseWithError(errors.New("stream replaced"))
	}
	m.writer = pw

	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

// PushStream writes data to the open stream. It blocks until the reader
// has consumed it.
func (m *MockClient) PushStream(data string) error {
	m.mu.Lock()
	w := m.writer
	m.mu.Unlock()
	if w == nil {
		return errors.New("no open stream")
	}
	_, err := w.Write([]byte(data))
	return err
}

// DropStream ends the open stream as if the hub closed it.
func (m *MockClient) DropStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writer != nil {
		m.writer.CloseWithError(io.ErrUnexpectedEOF)
		m.writer = nil
	}
}

// SendCommand records the command.
func (m *MockClient) SendCommand(ctx context.Context, item, command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commandErr != nil {
		return m.commandErr
	}
	m.commands = append(m.commands, SentCommand{Item: item, Command: command})
	return nil
}

// Commands returns the commands sent so far.
func (m *MockClient) Commands() []SentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentCommand(nil), m.commands...)
}

// Probes returns how many times SystemInfo was called.
func (m *MockClient) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// ItemPolls returns how many times Items was called.
func (m *MockClient) ItemPolls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemPolls
}

// ThingPolls returns how many times Things was called.
func (m *MockClient) ThingPolls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thingPolls
}

// StreamOpens returns how many times OpenStream was called.
func (m *MockClient) StreamOpens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamOpens
}
