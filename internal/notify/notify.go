// Package notify collects user-facing alerts raised by the integration.
//
// Only two kinds of alert reach users: the hub being unreachable after
// retries are exhausted, and entities missing after a full poll. Everything
// else stays in the operator log.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"openhabsync/internal/clock"

	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("notification has no retry action")
)

// Severity of a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// MarshalText renders the severity by name in JSON.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sink accepts alerts. retry may be nil.
type Sink interface {
	Notify(severity Severity, message string, retry func())
}

// Notification is an alert as listed to users.
type Notification struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Created   time.Time `json:"created"`
}

type entry struct {
	Notification
	retry func()
}

// Center keeps alerts until they are dismissed.
type Center struct {
	logger *zap.Logger
	clock  clock.Clock

	mu     sync.Mutex
	items  []*entry
	nextID int
}

var _ Sink = (*Center)(nil)

// NewCenter creates an empty notification center.
func NewCenter(logger *zap.Logger, clk clock.Clock) *Center {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Center{logger: logger, clock: clk}
}

// Notify implements Sink.
func (c *Center) Notify(severity Severity, message string, retry func()) {
	c.Add(severity, message, retry)
}

// Add stores a new alert and logs it.
func (c *Center) Add(severity Severity, message string, retry func()) Notification {
	c.mu.Lock()
	c.nextID++
	e := &entry{
		Notification: Notification{
			ID:        fmt.Sprintf("n%d", c.nextID),
			Severity:  severity,
			Message:   message,
			Retryable: retry != nil,
			Created:   c.clock.Now(),
		},
		retry: retry,
	}
	c.items = append(c.items, e)
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("id", e.ID),
		zap.String("message", message),
		zap.Bool("retryable", e.Retryable),
	}
	switch severity {
	case SeverityError:
		c.logger.Error("Notification", fields...)
	case SeverityWarning:
		c.logger.Warn("Notification", fields...)
	default:
		c.logger.Info("Notification", fields...)
	}

	return e.Notification
}

// List returns the current alerts, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Notification, 0, len(c.items))
	for _, e := range c.items {
		out = append(out, e.Notification)
	}
	return out
}

// Dismiss removes an alert.
func (c *Center) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.removeLocked(id); !ok {
		return ErrNotFound
	}
	return nil
}

// Retry dismisses the alert and runs its retry action.
func (c *Center) Retry(id string) error {
	c.mu.Lock()
	e, ok := c.find(id)
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if e.retry == nil {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	c.removeLocked(id)
	c.mu.Unlock()

	c.logger.Info("Retrying from notification", zap.String("id", id))
	e.retry()
	return nil
}

func (c *Center) find(id string) (*entry, bool) {
	for _, e := range c.items {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

func (c *Center) removeLocked(id string) (*entry, bool) {
	for i, e := range c.items {
		if e.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return e, true
		}
	}
	return nil, false
}
