package synchronizer

import (
	"sort"
	"sync"

	"openhabsync/internal/entity"
)

// ChannelAttributes maps openHAB thing channel ids onto media player attributes.
var ChannelAttributes = map[string]entity.Attribute{
	// state
	"power":   AttrPlayerState,
	"control": AttrPlayerState,
	"state":   AttrPlayerState,

	"mode": entity.AttrSource,

	"volume":         entity.AttrVolume,
	"volume-percent": entity.AttrVolume,

	"mute": entity.AttrMuted,

	"artist":         entity.AttrMediaArtist,
	"play-info-name": entity.AttrMediaArtist,

	"title":          entity.AttrMediaTitle,
	"play-info-text": entity.AttrMediaTitle,

	"currentPlayingTime": entity.AttrMediaProgress,
	"duration":           entity.AttrMediaDuration,
}

// AttrPlayerState tags items that drive the coarse player state rather than an attribute slot.
const AttrPlayerState entity.Attribute = "state"

// PlayerItem ties an openHAB item to one attribute of a media player entity.
type PlayerItem struct {
	PlayerID  string
	Attribute entity.Attribute
}

// PlayerMap is the item-to-player routing table built from the hub's things.
// It is written by the connection loop and read by the command dispatcher.
type PlayerMap struct {
	mu    sync.RWMutex
	items map[string]PlayerItem
}

// NewPlayerMap creates an empty routing table.
func NewPlayerMap() *PlayerMap {
	return &PlayerMap{items: make(map[string]PlayerItem)}
}

// Reset drops all routes.
func (p *PlayerMap) Reset() {
	p.mu.Lock()
	p.items = make(map[string]PlayerItem)
	p.mu.Unlock()
}

// MapChannel routes item to the player attribute for channelID. It reports
// false when the channel id is not in ChannelAttributes.
func (p *PlayerMap) MapChannel(item, playerID, channelID string) bool {
	attr, ok := ChannelAttributes[channelID]
	if !ok {
		return false
	}
	p.mu.Lock()
	p.items[item] = PlayerItem{PlayerID: playerID, Attribute: attr}
	p.mu.Unlock()
	return true
}

// Lookup returns the player route for an item.
func (p *PlayerMap) Lookup(item string) (PlayerItem, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pi, ok := p.items[item]
	return pi, ok
}

// ItemFor returns the item that carries attr for playerID. When several
// channels map to the same attribute the lexically first item wins.
func (p *PlayerMap) ItemFor(playerID string, attr entity.Attribute) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []string
	for item, pi := range p.items {
		if pi.PlayerID == playerID && pi.Attribute == attr {
			candidates = append(candidates, item)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// Len returns the number of routed items.
func (p *PlayerMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}
