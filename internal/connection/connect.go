package connection

import (
	"context"
	"fmt"
	"sort"

	"openhabsync/internal/entity"
	"openhabsync/internal/notify"
	"openhabsync/internal/openhab"

	"go.uber.org/zap"
)

func (m *Manager) connect() {
	if m.state != Disconnected {
		m.logger.Debug("Connect ignored", zap.Stringer("state", m.state))
		return
	}

	m.userDisconnect = false
	m.standby = false
	m.streamTries = 0
	m.transition(Connecting)

	m.connEpoch++
	m.connCtx, m.connCancel = context.WithCancel(m.runCtx)
	m.checkNetwork(m.connEpoch, 1)
}

func (m *Manager) checkNetwork(epoch uint64, attempt int) {
	m.retryTimer = nil
	if epoch != m.connEpoch {
		return
	}

	if m.netUp() {
		m.probe(epoch, m.afterProbe)
		return
	}

	m.logger.Warn("Network is down",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", m.cfg.MaxRetries))
	if attempt >= m.cfg.MaxRetries {
		m.fail("Cannot connect to openHAB: network is down", nil)
		return
	}
	m.retryTimer = m.after(m.cfg.RetryDelay, func() {
		m.checkNetwork(epoch, attempt+1)
	})
}

// request runs call off the loop under the current connection context and
// hands the result to done on the loop. Failures are retried RetryDelay
// apart; after MaxRetries attempts the connection fails.
func request[T any](m *Manager, epoch uint64, what string, attempt int, call func(context.Context) (T, error), done func(T)) {
	ctx := m.connCtx
	go func() {
		res, err := call(ctx)
		m.post(func() {
			if epoch != m.connEpoch {
				m.logger.Debug("Dropping stale reply", zap.String("request", what))
				return
			}
			if err == nil {
				done(res)
				return
			}

			m.logger.Warn("Request failed",
				zap.String("request", what),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt >= m.cfg.MaxRetries {
				m.fail(fmt.Sprintf("Cannot connect to openHAB (%s)", what), err)
				return
			}
			m.retryTimer = m.after(m.cfg.RetryDelay, func() {
				m.retryTimer = nil
				if epoch != m.connEpoch {
					return
				}
				request(m, epoch, what, attempt+1, call, done)
			})
		})
	}()
}

func (m *Manager) probe(epoch uint64, then func()) {
	request(m, epoch, "systeminfo", 1, m.api.SystemInfo, func(*openhab.SystemInfo) {
		m.logger.Debug("openHAB reachable")
		then()
	})
}

func (m *Manager) afterProbe() {
	if len(m.roster(entity.TypeMediaPlayer)) == 0 {
		m.poll(true)
		return
	}
	request(m, m.connEpoch, "things", 1, m.api.Things, func(things []openhab.Thing) {
		m.mapPlayers(things)
		m.poll(true)
	})
}

// roster returns the entities of this integration, filtered to types when
// any are given.
func (m *Manager) roster(types ...entity.Type) []entity.Info {
	all := m.store.ByIntegration(m.cfg.IntegrationID)
	if len(types) == 0 {
		return all
	}
	var out []entity.Info
	for _, info := range all {
		for _, t := range types {
			if info.Type == t {
				out = append(out, info)
				break
			}
		}
	}
	return out
}

// mapPlayers rebuilds the item routes for media players from the hub's
// things. Players without a matching thing are marked disconnected.
func (m *Manager) mapPlayers(things []openhab.Thing) {
	players := m.syncer.Players()
	players.Reset()

	byUID := make(map[string]openhab.Thing, len(things))
	for _, th := range things {
		byUID[th.UID] = th
	}

	m.missingPlayers = nil
	for _, p := range m.roster(entity.TypeMediaPlayer) {
		th, ok := byUID[p.ID]
		if !ok {
			m.store.SetConnected(p.ID, false)
			m.missingPlayers = append(m.missingPlayers, p.ID)
			continue
		}
		for _, ch := range th.Channels {
			if len(ch.LinkedItems) == 0 {
				continue
			}
			if !players.MapChannel(ch.LinkedItems[0], p.ID, ch.ID) {
				m.logger.Debug("Unmapped player channel",
					zap.String("player_id", p.ID),
					zap.String("channel", ch.ID))
			}
		}
		m.store.SetConnected(p.ID, true)
	}

	if n := len(m.missingPlayers); n > 0 {
		sort.Strings(m.missingPlayers)
		m.sink.Notify(notify.SeverityWarning, fmt.Sprintf("openHAB: %d players missing", n), nil)
	}
	m.logger.Info("Mapped media players",
		zap.Int("routes", players.Len()),
		zap.Strings("missing", m.missingPlayers))
}

// poll fetches every item. A full poll first marks the whole roster
// disconnected and reconnects only what the hub still knows, then
// completes the connection.
func (m *Manager) poll(full bool) {
	if !full && m.pollInFlight {
		return
	}
	kind := "incremental"
	if full {
		kind = "full"
	}
	m.pollInFlight = true
	m.metrics.IncPoll(kind)

	request(m, m.connEpoch, "items", 1, m.api.Items, func(items []openhab.Item) {
		m.pollInFlight = false
		m.lastPoll = m.clock.Now()
		m.applyItems(items, full)
		if !full {
			return
		}
		if m.transition(Connected) {
			m.startStream()
			m.schedulePoll()
		}
	})
}

func (m *Manager) applyItems(items []openhab.Item, full bool) {
	roster := make(map[string]entity.Info)
	for _, info := range m.roster(entity.TypeLight, entity.TypeSwitch, entity.TypeBlind) {
		roster[info.ID] = info
	}

	if full {
		for id := range roster {
			m.store.SetConnected(id, false)
		}
	}

	matched := make(map[string]bool, len(roster))
	for _, it := range items {
		info, ok := roster[it.Name]
		if !ok {
			if _, isPlayerItem := m.syncer.Players().Lookup(it.Name); isPlayerItem {
				m.syncer.Apply(it.Name, it.State)
			}
			continue
		}
		if full {
			m.store.SetConnected(info.ID, true)
			info.Connected = true
		}
		matched[info.ID] = true
		m.syncer.ApplyEntity(info, it.State)
	}

	if !full {
		return
	}

	m.missing = m.missing[:0]
	for id := range roster {
		if !matched[id] {
			m.missing = append(m.missing, id)
		}
	}
	sort.Strings(m.missing)
	m.metrics.SetEntitiesMissing(len(m.missing))

	if n := len(m.missing); n > 0 {
		m.logger.Warn("Entities missing on openHAB", zap.Strings("entities", m.missing))
		m.sink.Notify(notify.SeverityWarning, fmt.Sprintf("openHAB: %d entities missing", n), nil)
	}
	m.logger.Info("Full poll complete",
		zap.Int("items", len(items)),
		zap.Int("matched", len(matched)),
		zap.Int("missing", len(m.missing)))
}

// schedulePoll arms the fallback poll. Ticks only poll while the stream is
// down.
func (m *Manager) schedulePoll() {
	m.pollTimer = stopTimer(m.pollTimer)
	interval := m.cfg.PollInterval
	if m.standby {
		interval = m.cfg.StandbyPollInterval
	}
	epoch := m.connEpoch
	m.pollTimer = m.after(interval, func() {
		m.pollTimer = nil
		if epoch != m.connEpoch || m.state != Connected {
			return
		}
		if !m.streamConnected {
			m.poll(false)
		}
		m.schedulePoll()
	})
}

func (m *Manager) enterStandby() {
	if m.state != Connected || m.standby {
		return
	}
	m.logger.Info("Entering standby")
	m.standby = true
	m.abortStream()
	m.reconnectTimer = stopTimer(m.reconnectTimer)
	m.streamTries = 0
	m.schedulePoll()
}

func (m *Manager) leaveStandby() {
	if !m.standby {
		return
	}
	m.logger.Info("Leaving standby")
	m.standby = false
	if m.state != Connected {
		return
	}
	m.schedulePoll()
	m.probe(m.connEpoch, func() {
		m.startStream()
		m.poll(false)
	})
}
