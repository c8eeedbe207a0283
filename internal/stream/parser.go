// Package stream turns the raw byte stream of the openHAB event endpoint
// into item state updates.
//
// The transport hands over data in whatever pieces the network delivered, so
// a single "data: {...}" frame may arrive split across reads. Parser keeps
// the unfinished tail of a frame until the rest shows up.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// DataPrefix is the framing token in front of every JSON frame.
const DataPrefix = "data: "

const dataField = "data:"

// Event types that carry item states.
const (
	EventItemState             = "ItemStateEvent"
	EventGroupItemStateChanged = "GroupItemStateChangedEvent"
)

// UndefValue is the state openHAB uses for items without a defined value.
const UndefValue = "UNDEF"

// maxPartialSize bounds how much of an unfinished frame is kept.
const maxPartialSize = 64 << 10

// ErrorKind classifies frame decoding problems.
type ErrorKind string

const (
	// ErrTruncated: the frame ended mid-document and was buffered.
	ErrTruncated ErrorKind = "truncated"
	// ErrTrailing: garbage followed the document and was cut off.
	ErrTrailing ErrorKind = "trailing"
	// ErrDiscarded: a buffered fragment could not be completed.
	ErrDiscarded ErrorKind = "discarded"
	// ErrMalformed: the frame is not a usable document.
	ErrMalformed ErrorKind = "malformed"
)

var (
	errTruncated = errors.New("frame truncated")
	errTrailing  = errors.New("trailing data after frame")
)

// Envelope is a decoded event frame.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Type    string          `json:"type"`
}

// Payload is the inner document of an item event.
type Payload struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Update is an item state extracted from the stream.
type Update struct {
	Item      string
	Value     string
	EventType string
}

// FrameBuffer holds the unfinished tail of a frame between reads.
type FrameBuffer struct {
	buf []byte
}

// Hold stores a copy of fragment, replacing anything held before.
func (b *FrameBuffer) Hold(fragment []byte) {
	b.buf = append(b.buf[:0], fragment...)
}

// Take returns the held fragment joined with more and empties the buffer.
func (b *FrameBuffer) Take(more []byte) []byte {
	joined := make([]byte, 0, len(b.buf)+len(more))
	joined = append(joined, b.buf...)
	joined = append(joined, more...)
	b.buf = b.buf[:0]
	return joined
}

// Pending reports whether a fragment is held.
func (b *FrameBuffer) Pending() bool {
	return len(b.buf) > 0
}

// Reset drops any held fragment.
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Option configures a Parser.
type Option func(*Parser)

// WithErrorHook registers a callback invoked for every frame problem.
func WithErrorHook(hook func(kind ErrorKind)) Option {
	return func(p *Parser) {
		p.onError = hook
	}
}

// Parser decodes event frames. It is not safe for concurrent use; the
// connection loop owns it.
type Parser struct {
	logger  *zap.Logger
	partial FrameBuffer
	head    []byte
	onError func(kind ErrorKind)
}

// NewParser creates a parser with an empty frame buffer.
func NewParser(logger *zap.Logger, opts ...Option) *Parser {
	p := &Parser{logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reset discards any buffered fragment, e.g. when a new stream is opened.
func (p *Parser) Reset() {
	p.partial.Reset()
	p.head = nil
}

// Pending reports whether an unfinished frame is buffered.
func (p *Parser) Pending() bool {
	return p.partial.Pending()
}

// Feed consumes the next chunk of the stream and returns the updates that
// became complete.
func (p *Parser) Feed(chunk []byte) []Update {
	var updates []Update

	if len(p.head) > 0 {
		chunk = append(p.head, chunk...)
		p.head = nil
	}

	lines := bytes.Split(chunk, []byte{'\n'})

	// A chunk may end inside or right after the "data: " token.
	last := lines[len(lines)-1]
	startsLine := len(lines) > 1 || !p.partial.Pending()
	if startsLine && len(last) > 0 && bytes.HasPrefix([]byte(DataPrefix), last) {
		p.head = append([]byte(nil), last...)
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if p.partial.Pending() {
			// A fresh frame or the blank frame terminator means the held
			// fragment will never be completed.
			if len(line) == 0 || bytes.HasPrefix(line, []byte(dataField)) {
				p.partial.Reset()
				p.report(ErrDiscarded)
				p.logger.Debug("Discarding incomplete event frame")
			} else {
				updates = p.decode(p.partial.Take(line), updates)
				continue
			}
		}

		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte(dataField)) {
			// event:, id:, retry: and ":" keep-alive comments
			continue
		}

		data := bytes.TrimPrefix(line, []byte(DataPrefix))
		if len(data) == len(line) {
			data = bytes.TrimPrefix(line, []byte(dataField))
		}
		updates = p.decode(data, updates)
	}

	return updates
}

func (p *Parser) decode(data []byte, updates []Update) []Update {
	env, err := decodeEnvelope(data)

	switch {
	case err == nil:
	case errors.Is(err, errTruncated):
		if len(data) > maxPartialSize {
			p.report(ErrDiscarded)
			p.logger.Debug("Event frame exceeds buffer limit, discarding",
				zap.Int("size", len(data)))
			return updates
		}
		p.partial.Hold(data)
		p.report(ErrTruncated)
		return updates
	case errors.Is(err, errTrailing):
		// env holds the first complete document; the rest is dropped.
		p.report(ErrTrailing)
		p.logger.Debug("Trailing data after event frame", zap.ByteString("frame", data))
	default:
		p.report(ErrMalformed)
		p.logger.Debug("Malformed event frame",
			zap.ByteString("frame", data),
			zap.Error(err))
		return updates
	}

	update, ok := p.extract(env)
	if !ok {
		return updates
	}
	return append(updates, update)
}

func (p *Parser) extract(env Envelope) (Update, bool) {
	if env.Type != EventItemState && env.Type != EventGroupItemStateChanged {
		return Update{}, false
	}

	item, err := ItemNameFromTopic(env.Topic)
	if err != nil {
		p.logger.Debug("Unroutable event", zap.Error(err))
		return Update{}, false
	}

	val, err := decodeValue(env.Payload)
	if err != nil {
		p.report(ErrMalformed)
		p.logger.Debug("Event payload without value",
			zap.String("item", item),
			zap.Error(err))
		return Update{}, false
	}
	if val == UndefValue {
		return Update{}, false
	}

	return Update{Item: item, Value: val, EventType: env.Type}, true
}

func (p *Parser) report(kind ErrorKind) {
	if p.onError != nil {
		p.onError(kind)
	}
}

// decodeEnvelope distinguishes a frame that simply has not fully arrived
// from one that is complete but followed by junk.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return env, errTruncated
		}
		return env, err
	}
	if rest := bytes.TrimSpace(data[dec.InputOffset():]); len(rest) > 0 {
		return env, errTrailing
	}
	return env, nil
}

// decodeValue digs the value out of a payload, which openHAB sends as a
// JSON document encoded into a string.
func decodeValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("empty payload")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return "", fmt.Errorf("decode payload string: %w", err)
		}
		raw = json.RawMessage(inner)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	v := bytes.TrimSpace(payload.Value)
	switch {
	case len(v) == 0 || bytes.Equal(v, []byte("null")):
		return "", errors.New("payload has no value")
	case v[0] == '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("decode value: %w", err)
		}
		return s, nil
	default:
		return string(v), nil
	}
}
