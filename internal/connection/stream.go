package connection

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const readBufferSize = 4096

func (m *Manager) startStream() {
	if m.state != Connected || m.standby {
		return
	}
	m.abortStream()

	m.streamEpoch++
	epoch := m.streamEpoch
	ctx, cancel := context.WithCancel(m.connCtx)
	m.streamCancel = cancel

	m.logger.Debug("Opening event stream", zap.Uint64("stream_epoch", epoch))
	go m.readStream(ctx, epoch)
}

// abortStream closes the current stream. Its pending callbacks become stale.
func (m *Manager) abortStream() {
	m.streamEpoch++
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	if m.streamConnected {
		m.streamConnected = false
		m.metrics.SetStreamConnected(false)
	}
	m.parser.Reset()
}

// readStream runs on its own goroutine and forwards every read to the loop.
func (m *Manager) readStream(ctx context.Context, epoch uint64) {
	body, err := m.api.OpenStream(ctx)
	if err != nil {
		m.post(func() { m.streamFinished(epoch, err) })
		return
	}
	defer body.Close()

	m.post(func() { m.streamOpened(epoch) })

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			m.post(func() { m.streamChunk(epoch, chunk) })
		}
		if err != nil {
			if err == io.EOF {
				err = errors.New("event stream closed by server")
			}
			m.post(func() { m.streamFinished(epoch, err) })
			return
		}
	}
}

func (m *Manager) streamOpened(epoch uint64) {
	if epoch != m.streamEpoch {
		return
	}
	m.logger.Info("Event stream connected", zap.Int("after_retries", m.streamTries))
	m.streamConnected = true
	m.streamTries = 0
	m.metrics.SetStreamConnected(true)
}

func (m *Manager) streamChunk(epoch uint64, chunk []byte) {
	if epoch != m.streamEpoch {
		return
	}
	for _, u := range m.parser.Feed(chunk) {
		outcome := m.syncer.Apply(u.Item, u.Value)
		m.metrics.IncStreamEvent(outcome.String())
	}
}

func (m *Manager) streamFinished(epoch uint64, err error) {
	if epoch != m.streamEpoch {
		return
	}
	m.abortStream()

	if m.userDisconnect || m.standby || m.state != Connected {
		return
	}

	m.logger.Warn("Event stream dropped",
		zap.Int("retries", m.streamTries),
		zap.Error(err))
	m.reconnectTimer = stopTimer(m.reconnectTimer)
	connEpoch := m.connEpoch
	m.reconnectTimer = m.after(m.cfg.ReconnectDelay, func() {
		m.reconnect(connEpoch, err)
	})
}

// reconnect reopens the stream, or gives up once MaxRetries attempts in a
// row have failed.
func (m *Manager) reconnect(connEpoch uint64, lastErr error) {
	m.reconnectTimer = nil
	if connEpoch != m.connEpoch || m.standby || m.state != Connected {
		return
	}

	if m.streamTries >= m.cfg.MaxRetries {
		m.fail(fmt.Sprintf("Cannot connect to openHAB: event stream lost after %d attempts", m.streamTries), lastErr)
		return
	}

	m.abortStream()
	m.streamTries++
	m.metrics.IncReconnects()
	m.logger.Info("Reconnecting event stream",
		zap.Int("attempt", m.streamTries),
		zap.Int("max_attempts", m.cfg.MaxRetries))
	m.startStream()
}
