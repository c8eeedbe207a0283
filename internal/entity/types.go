package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the kind of remote-control entity.
type Type string

const (
	TypeLight       Type = "light"
	TypeSwitch      Type = "switch"
	TypeBlind       Type = "blind"
	TypeMediaPlayer Type = "media_player"
)

// ParseType validates a configured entity type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeLight, TypeSwitch, TypeBlind, TypeMediaPlayer:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Feature is a single declared capability.
type Feature uint16

const (
	FeatureBrightness Feature = 1 << iota
	FeatureColor
	FeatureColorTemp
	FeaturePosition
	FeatureVolume
	FeatureMuted
	FeatureSource
	FeatureMediaInfo
)

var featureNames = map[Feature]string{
	FeatureBrightness: "BRIGHTNESS",
	FeatureColor:      "COLOR",
	FeatureColorTemp:  "COLORTEMP",
	FeaturePosition:   "POSITION",
	FeatureVolume:     "VOLUME",
	FeatureMuted:      "MUTED",
	FeatureSource:     "SOURCE",
	FeatureMediaInfo:  "MEDIAINFO",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Feature(%d)", uint16(f))
}

// ParseFeature maps a configured capability name onto a Feature.
func ParseFeature(s string) (Feature, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for f, n := range featureNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", s)
}

// Features is the capability set of an entity.
type Features uint16

// NewFeatures builds a set from individual features.
func NewFeatures(fs ...Feature) Features {
	var set Features
	for _, f := range fs {
		set |= Features(f)
	}
	return set
}

// Has reports whether f is in the set.
func (s Features) Has(f Feature) bool {
	return s&Features(f) != 0
}

// Names returns the sorted feature names in the set.
func (s Features) Names() []string {
	names := make([]string, 0, len(featureNames))
	for f, n := range featureNames {
		if s.Has(f) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// State is the coarse state of an entity.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateOn      State = "ON"
	StateOff     State = "OFF"
	StateOpen    State = "OPEN"
	StateClosed  State = "CLOSED"
	StatePlaying State = "PLAYING"
	StateIdle    State = "IDLE"
)

// Attribute names a typed attribute slot.
type Attribute string

const (
	AttrBrightness    Attribute = "brightness"
	AttrColor         Attribute = "color"
	AttrColorTemp     Attribute = "color_temp"
	AttrPosition      Attribute = "position"
	AttrVolume        Attribute = "volume"
	AttrMuted         Attribute = "muted"
	AttrSource        Attribute = "source"
	AttrMediaArtist   Attribute = "media_artist"
	AttrMediaTitle    Attribute = "media_title"
	AttrMediaProgress Attribute = "media_progress"
	AttrMediaDuration Attribute = "media_duration"
)

// Definition describes an entity as configured.
type Definition struct {
	ID            string
	Name          string
	IntegrationID string
	Type          Type
	Features      Features
}

// Info is the read-only view the synchronizer and connection manager work with.
type Info struct {
	ID        string
	Type      Type
	Features  Features
	Connected bool
}

// Snapshot is a point-in-time copy of an entity, safe to hand to other goroutines.
type Snapshot struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Integration string            `json:"integration"`
	Type        Type              `json:"type"`
	Features    []string          `json:"features"`
	Connected   bool              `json:"connected"`
	State       State             `json:"state"`
	Attributes  map[Attribute]any `json:"attributes"`
}

// Store is the registry contract consumed by the synchronizer and the
// connection manager. Writes to unknown ids are ignored.
type Store interface {
	Lookup(id string) (Info, bool)
	ByIntegration(integrationID string) []Info
	SetConnected(id string, connected bool)
	SetState(id string, s State)
	SetAttribute(id string, attr Attribute, v any)
}

// Change describes a single observable mutation of an entity.
type Change struct {
	EntityID string
	Field    string
	Old      any
	New      any
	Snapshot Snapshot
}

// ChangeHandler is called after an entity mutation that changed its value.
type ChangeHandler func(change Change)

// Subscription represents an active change subscription.
type Subscription interface {
	Unsubscribe()
}
