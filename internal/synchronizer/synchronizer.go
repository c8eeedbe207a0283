// Package synchronizer applies openHAB item states to entities according to
// each entity's type and declared capabilities.
package synchronizer

import (
	"strings"

	"openhabsync/internal/entity"
	"openhabsync/internal/value"

	"go.uber.org/zap"
)

// Outcome reports what happened to a single item update.
type Outcome int

const (
	// Applied means the value was written (possibly as a no-op repeat).
	Applied Outcome = iota
	// Unroutable means no entity or player item matches the item name.
	Unroutable
	// Disconnected means the target entity is marked disconnected.
	Disconnected
	// Unsupported means the value does not fit the entity's type or capabilities.
	Unsupported
	// Ignored means the value carried no usable state.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unroutable:
		return "unroutable"
	case Disconnected:
		return "disconnected"
	case Unsupported:
		return "unsupported"
	default:
		return "ignored"
	}
}

// Synchronizer writes parsed item values into an entity store.
type Synchronizer struct {
	store   entity.Store
	players *PlayerMap
	logger  *zap.Logger
}

// New creates a synchronizer over store. players may be shared with the
// command dispatcher.
func New(store entity.Store, players *PlayerMap, logger *zap.Logger) *Synchronizer {
	if players == nil {
		players = NewPlayerMap()
	}
	return &Synchronizer{
		store:   store,
		players: players,
		logger:  logger,
	}
}

// Players exposes the routing table.
func (s *Synchronizer) Players() *PlayerMap {
	return s.players
}

// Apply routes an item state to the entity named after the item, or to the
// media player that owns the item.
func (s *Synchronizer) Apply(item, raw string) Outcome {
	if info, ok := s.store.Lookup(item); ok {
		return s.ApplyEntity(info, raw)
	}
	if pi, ok := s.players.Lookup(item); ok {
		return s.applyPlayerItem(pi, item, raw)
	}
	s.logger.Debug("No entity for item", zap.String("item", item))
	return Unroutable
}

// ApplyEntity applies raw to a known entity.
func (s *Synchronizer) ApplyEntity(info entity.Info, raw string) Outcome {
	if !info.Connected {
		s.logger.Debug("Skipping update for disconnected entity",
			zap.String("entity_id", info.ID),
			zap.String("value", raw))
		return Disconnected
	}

	v := value.Parse(raw)
	if v.Kind == value.Unrecognized {
		s.logger.Debug("No interpretation for item state",
			zap.String("entity_id", info.ID),
			zap.String("value", raw))
		return Ignored
	}

	switch info.Type {
	case entity.TypeLight:
		return s.applyLight(info, v)
	case entity.TypeSwitch:
		return s.applySwitch(info, v)
	case entity.TypeBlind:
		return s.applyBlind(info, v)
	default:
		s.logger.Info("Unsupported entity type for item update",
			zap.String("entity_id", info.ID),
			zap.String("type", string(info.Type)))
		return Unsupported
	}
}

func (s *Synchronizer) applyLight(info entity.Info, v value.Value) Outcome {
	switch {
	case info.Features.Has(entity.FeatureColor):
		switch {
		case v.Kind == value.Triple:
			s.store.SetAttribute(info.ID, entity.AttrColor, v.Color.Hex())
			return Applied
		case v.Kind == value.Percent && info.Features.Has(entity.FeatureBrightness):
			s.applyDimmer(info.ID, v.Percent)
			return Applied
		case v.Kind == value.Bool:
			s.applyOnOff(info.ID, v.On)
			return Applied
		}

	case info.Features.Has(entity.FeatureColorTemp):
		switch v.Kind {
		case value.Bool:
			s.applyOnOff(info.ID, v.On)
			return Applied
		case value.Percent:
			s.store.SetAttribute(info.ID, entity.AttrColorTemp, v.Percent)
			return Applied
		}

	default:
		switch v.Kind {
		case value.Bool:
			s.applyOnOff(info.ID, v.On)
			return Applied
		case value.Percent:
			if info.Features.Has(entity.FeatureBrightness) {
				s.applyDimmer(info.ID, v.Percent)
				return Applied
			}
			s.logger.Info("Light does not support BRIGHTNESS",
				zap.String("entity_id", info.ID),
				zap.Int("value", v.Percent))
			return Unsupported
		}
	}

	s.logger.Info("Unsupported light value",
		zap.String("entity_id", info.ID),
		zap.Stringer("value", v))
	return Unsupported
}

// applyDimmer treats only full brightness as ON.
func (s *Synchronizer) applyDimmer(id string, percent int) {
	if percent == 100 {
		s.store.SetState(id, entity.StateOn)
	} else {
		s.store.SetState(id, entity.StateOff)
	}
	s.store.SetAttribute(id, entity.AttrBrightness, percent)
}

func (s *Synchronizer) applyOnOff(id string, on bool) {
	if on {
		s.store.SetState(id, entity.StateOn)
		return
	}
	s.store.SetState(id, entity.StateOff)
}

func (s *Synchronizer) applySwitch(info entity.Info, v value.Value) Outcome {
	s.applyOnOff(info.ID, v.Kind == value.Bool && v.On)
	return Applied
}

func (s *Synchronizer) applyBlind(info entity.Info, v value.Value) Outcome {
	if pos, ok := value.ParseInt(v.Raw); ok && info.Features.Has(entity.FeaturePosition) {
		s.store.SetAttribute(info.ID, entity.AttrPosition, pos)
		if pos == 100 {
			s.store.SetState(info.ID, entity.StateOpen)
		} else {
			s.store.SetState(info.ID, entity.StateClosed)
		}
		return Applied
	}

	if v.Kind == value.Bool {
		if v.On {
			s.store.SetState(info.ID, entity.StateOpen)
		} else {
			s.store.SetState(info.ID, entity.StateClosed)
		}
		return Applied
	}

	return Ignored
}

func (s *Synchronizer) applyPlayerItem(pi PlayerItem, item, raw string) Outcome {
	info, ok := s.store.Lookup(pi.PlayerID)
	if !ok {
		s.logger.Debug("Player for item not registered",
			zap.String("item", item),
			zap.String("player_id", pi.PlayerID))
		return Unroutable
	}
	if !info.Connected {
		s.logger.Debug("Skipping update for disconnected player",
			zap.String("player_id", info.ID),
			zap.String("item", item))
		return Disconnected
	}

	v := value.Parse(raw)
	if v.Kind == value.Unrecognized {
		return Ignored
	}

	switch pi.Attribute {
	case AttrPlayerState:
		switch strings.ToUpper(strings.TrimSpace(raw)) {
		case "ON":
			s.store.SetState(info.ID, entity.StateOn)
		case "OFF":
			s.store.SetState(info.ID, entity.StateOff)
		case "PLAY":
			s.store.SetState(info.ID, entity.StatePlaying)
		case "PAUSE":
			s.store.SetState(info.ID, entity.StateIdle)
		default:
			return Ignored
		}
	case entity.AttrVolume:
		vol, ok := value.ParseInt(raw)
		if !ok {
			s.logger.Info("Non-numeric player volume",
				zap.String("player_id", info.ID),
				zap.String("value", raw))
			return Unsupported
		}
		s.store.SetAttribute(info.ID, entity.AttrVolume, vol)
	case entity.AttrMuted:
		s.store.SetAttribute(info.ID, entity.AttrMuted, v.Kind == value.Bool && v.On)
	default:
		s.store.SetAttribute(info.ID, pi.Attribute, raw)
	}
	return Applied
}
