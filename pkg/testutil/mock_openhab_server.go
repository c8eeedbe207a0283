// Package testutil provides a mock openHAB REST server and an end-to-end
// test environment for the openHAB integration.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"openhabsync/internal/openhab"
)

// MockOpenHABServer simulates the parts of the openHAB REST API the
// integration uses: systeminfo, items, things, item commands and the SSE
// event stream.
type MockOpenHABServer struct {
	server *httptest.Server
	token  string

	mu         sync.RWMutex
	items      map[string]*openhab.Item
	order      []string
	things     []openhab.Thing
	down       bool
	echo       bool
	commands   []CommandCall
	streams    map[*stream]struct{}
	streamOpen int
}

type stream struct {
	frames chan []byte
	kill   chan struct{}
}

// NewMockOpenHABServer starts a server. A non-empty token is required as a
// bearer credential on every request.
func NewMockOpenHABServer(token string) *MockOpenHABServer {
	s := &MockOpenHABServer{
		token:   token,
		items:   make(map[string]*openhab.Item),
		streams: make(map[*stream]struct{}),
		echo:    true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/systeminfo", s.handleSystemInfo)
	mux.HandleFunc("GET /rest/items", s.handleItems)
	mux.HandleFunc("GET /rest/items/{name}", s.handleItem)
	mux.HandleFunc("POST /rest/items/{name}", s.handleCommand)
	mux.HandleFunc("GET /rest/things", s.handleThings)
	mux.HandleFunc("GET /rest/events", s.handleEvents)
	s.server = httptest.NewServer(s.guard(mux))
	return s
}

// URL returns the server root, without the /rest suffix.
func (s *MockOpenHABServer) URL() string {
	return s.server.URL
}

// Close drops every stream and stops the server.
func (s *MockOpenHABServer) Close() {
	s.DropStreams()
	s.server.Close()
}

// SetDown makes every request fail with 503 while down is true.
func (s *MockOpenHABServer) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetEcho controls whether commands update the item state and emit an
// ItemStateEvent, as openHAB does for most bindings. On by default.
func (s *MockOpenHABServer) SetEcho(echo bool) {
	s.mu.Lock()
	s.echo = echo
	s.mu.Unlock()
}

// SetItem creates or updates an item and pushes an ItemStateEvent to open streams.
func (s *MockOpenHABServer) SetItem(name, itemType, state string) {
	s.mu.Lock()
	it, ok := s.items[name]
	if !ok {
		it = &openhab.Item{Name: name, Type: itemType}
		s.items[name] = it
		s.order = append(s.order, name)
	}
	it.State = state
	s.mu.Unlock()

	s.PushState(name, itemType, state)
}

// RemoveItem deletes an item.
func (s *MockOpenHABServer) RemoveItem(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// SetThings replaces the things list.
func (s *MockOpenHABServer) SetThings(things []openhab.Thing) {
	s.mu.Lock()
	s.things = things
	s.mu.Unlock()
}

// ItemState returns the current state of an item.
func (s *MockOpenHABServer) ItemState(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[name]
	if !ok {
		return "", false
	}
	return it.State, true
}

// StateFrame renders one SSE frame the way openHAB does, with the payload
// encoded as a JSON string inside the envelope.
func StateFrame(item, valueType, state string) []byte {
	payload, _ := json.Marshal(map[string]string{"type": valueType, "value": state})
	envelope, _ := json.Marshal(map[string]string{
		"topic":   fmt.Sprintf("openhab/items/%s/state", item),
		"payload": string(payload),
		"type":    "ItemStateEvent",
	})
	return []byte("event: message\ndata: " + string(envelope) + "\n\n")
}

// PushState sends an ItemStateEvent without touching the stored item.
func (s *MockOpenHABServer) PushState(item, itemType, state string) {
	s.PushRaw(StateFrame(item, valueType(itemType), state))
}

// PushRaw writes bytes to every open stream as a single write.
func (s *MockOpenHABServer) PushRaw(data []byte) {
	s.mu.RLock()
	targets := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		targets = append(targets, st)
	}
	s.mu.RUnlock()

	for _, st := range targets {
		select {
		case st.frames <- data:
		case <-st.kill:
		}
	}
}

// DropStreams closes every open event stream.
func (s *MockOpenHABServer) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		close(st.kill)
		delete(s.streams, st)
	}
}

// StreamCount returns the number of open event streams.
func (s *MockOpenHABServer) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// StreamOpens returns how many event streams were accepted since start.
func (s *MockOpenHABServer) StreamOpens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamOpen
}

// Commands returns every command received.
func (s *MockOpenHABServer) Commands() []CommandCall {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CommandCall(nil), s.commands...)
}

// ClearCommands resets the command log.
func (s *MockOpenHABServer) ClearCommands() {
	s.mu.Lock()
	s.commands = nil
	s.mu.Unlock()
}

func (s *MockOpenHABServer) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		down := s.down
		s.mu.RUnlock()
		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *MockOpenHABServer) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var info openhab.SystemInfo
	info.Info.OSName = "Linux"
	info.Info.JavaVersion = "17.0.9"
	info.Info.StartLevel = 100
	writeJSON(w, info)
}

func (s *MockOpenHABServer) handleItems(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	items := make([]openhab.Item, 0, len(s.order))
	for _, name := range s.order {
		items = append(items, *s.items[name])
	}
	s.mu.RUnlock()
	writeJSON(w, items)
}

func (s *MockOpenHABServer) handleItem(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	it, ok := s.items[r.PathValue("name")]
	var item openhab.Item
	if ok {
		item = *it
	}
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, item)
}

func (s *MockOpenHABServer) handleThings(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	things := append([]openhab.Thing(nil), s.things...)
	s.mu.RUnlock()
	writeJSON(w, things)
}

func (s *MockOpenHABServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	command := strings.TrimSpace(string(body))

	s.mu.Lock()
	it, ok := s.items[name]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	s.commands = append(s.commands, CommandCall{Timestamp: time.Now(), Item: name, Command: command})
	echo := s.echo
	itemType := it.Type
	if echo {
		it.State = command
	}
	s.mu.Unlock()

	if echo {
		s.PushState(name, itemType, command)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *MockOpenHABServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	st := &stream{frames: make(chan []byte, 16), kill: make(chan struct{})}
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.streamOpen++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.streams[st]; ok {
			delete(s.streams, st)
			close(st.kill)
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case data := <-st.frames:
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
		case <-st.kill:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// valueType maps an item type to the value type openHAB reports in events.
func valueType(itemType string) string {
	switch strings.SplitN(itemType, ":", 2)[0] {
	case "Switch":
		return "OnOff"
	case "Dimmer", "Rollershutter":
		return "Percent"
	case "Color":
		return "HSB"
	case "Number":
		return "Decimal"
	case "Player":
		return "PlayPause"
	default:
		return "String"
	}
}
