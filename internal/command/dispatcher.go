// Package command translates entity commands into openHAB item commands.
//
// Commands are fire and forget. A command the entity cannot carry out is
// logged and dropped without an error; only unknown entities and transport
// failures are reported to the caller.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"openhabsync/internal/entity"
	"openhabsync/internal/openhab"
	"openhabsync/internal/synchronizer"
	"openhabsync/internal/value"

	"go.uber.org/zap"
)

// ErrUnknownEntity is returned for commands addressed to an unregistered entity.
var ErrUnknownEntity = errors.New("unknown entity")

// Command names accepted by Send.
const (
	On         = "ON"
	Off        = "OFF"
	Brightness = "BRIGHTNESS"
	Color      = "COLOR"
	Open       = "OPEN"
	Close      = "CLOSE"
	Stop       = "STOP"
	Position   = "POSITION"
	TurnOn     = "TURNON"
	TurnOff    = "TURNOFF"
	Play       = "PLAY"
	Pause      = "PAUSE"
	Previous   = "PREVIOUS"
	Next       = "NEXT"
	VolumeSet  = "VOLUME_SET"
	VolumeUp   = "VOLUME_UP"
	VolumeDown = "VOLUME_DOWN"
)

// playerCommands maps player commands to the item state they send and the
// attribute whose item receives it. An empty state means "use the param".
var playerCommands = map[string]struct {
	state string
	attr  entity.Attribute
}{
	TurnOn:     {"ON", synchronizer.AttrPlayerState},
	TurnOff:    {"OFF", synchronizer.AttrPlayerState},
	Play:       {"PLAY", synchronizer.AttrPlayerState},
	Pause:      {"PAUSE", synchronizer.AttrPlayerState},
	Stop:       {"STOP", synchronizer.AttrPlayerState},
	Previous:   {"PREVIOUS", synchronizer.AttrPlayerState},
	Next:       {"NEXT", synchronizer.AttrPlayerState},
	VolumeSet:  {"", entity.AttrVolume},
	VolumeUp:   {"UP", entity.AttrVolume},
	VolumeDown: {"DOWN", entity.AttrVolume},
}

// Dispatcher sends commands for the entities in store.
type Dispatcher struct {
	store   entity.Store
	players *synchronizer.PlayerMap
	client  openhab.Commander
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher. players is the routing table shared
// with the synchronizer.
func NewDispatcher(store entity.Store, players *synchronizer.PlayerMap, client openhab.Commander, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		players: players,
		client:  client,
		logger:  logger,
	}
}

// Send issues command with an optional param to the entity.
func (d *Dispatcher) Send(ctx context.Context, entityID, command, param string) error {
	info, ok := d.store.Lookup(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	command = strings.ToUpper(strings.TrimSpace(command))

	var item, state string
	switch info.Type {
	case entity.TypeLight:
		item = entityID
		state, ok = d.lightState(info, command, param)
	case entity.TypeSwitch:
		item = entityID
		state, ok = d.switchState(command)
	case entity.TypeBlind:
		item = entityID
		state, ok = d.blindState(command, param)
	case entity.TypeMediaPlayer:
		item, state, ok = d.playerCommand(entityID, command, param)
	}

	if !ok {
		d.logger.Info("Command not supported",
			zap.String("entity_id", entityID),
			zap.String("type", string(info.Type)),
			zap.String("command", command),
			zap.String("param", param))
		return nil
	}

	d.logger.Debug("Dispatching command",
		zap.String("entity_id", entityID),
		zap.String("command", command),
		zap.String("item", item),
		zap.String("state", state))

	if err := d.client.SendCommand(ctx, item, state); err != nil {
		d.logger.Warn("Command failed",
			zap.String("entity_id", entityID),
			zap.String("item", item),
			zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) lightState(info entity.Info, command, param string) (string, bool) {
	switch command {
	case On, Off:
		return command, true
	case Brightness:
		if !info.Features.Has(entity.FeatureBrightness) {
			return "", false
		}
		return percentParam(param)
	case Color:
		if !info.Features.Has(entity.FeatureColor) {
			return "", false
		}
		hsl, err := value.HSLFromHex(param)
		if err != nil {
			return "", false
		}
		return hsl.String(), true
	}
	return "", false
}

func (d *Dispatcher) switchState(command string) (string, bool) {
	switch command {
	case On, Off:
		return command, true
	}
	return "", false
}

func (d *Dispatcher) blindState(command, param string) (string, bool) {
	switch command {
	case Open:
		return "UP", true
	case Close:
		return "DOWN", true
	case Stop:
		return "STOP", true
	case Position:
		return percentParam(param)
	}
	return "", false
}

func (d *Dispatcher) playerCommand(playerID, command, param string) (item, state string, ok bool) {
	pc, known := playerCommands[command]
	if !known {
		return "", "", false
	}

	state = pc.state
	if state == "" {
		if state, ok = percentParam(param); !ok {
			return "", "", false
		}
	}

	item, ok = d.players.ItemFor(playerID, pc.attr)
	if !ok {
		return "", "", false
	}
	return item, state, true
}

// percentParam parses an integer parameter and clamps it to 0..100.
func percentParam(param string) (string, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(param))
	if err != nil {
		return "", false
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return strconv.Itoa(n), true
}
