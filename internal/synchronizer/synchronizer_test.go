package synchronizer

import (
	"strconv"
	"testing"

	"openhabsync/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const livingRoom = "sonos:One:living"

type fixture struct {
	reg     *entity.Registry
	sync    *Synchronizer
	changes []entity.Change
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	f := &fixture{reg: entity.NewRegistry(logger)}
	defs := []entity.Definition{
		{ID: "Kitchen_Light", Type: entity.TypeLight},
		{ID: "Hall_Dimmer", Type: entity.TypeLight, Features: entity.NewFeatures(entity.FeatureBrightness)},
		{ID: "Desk_Lamp", Type: entity.TypeLight, Features: entity.NewFeatures(entity.FeatureBrightness, entity.FeatureColor)},
		{ID: "Bed_Lamp", Type: entity.TypeLight, Features: entity.NewFeatures(entity.FeatureColorTemp)},
		{ID: "Porch_Switch", Type: entity.TypeSwitch},
		{ID: "Garage_Blind", Type: entity.TypeBlind, Features: entity.NewFeatures(entity.FeaturePosition)},
		{ID: "Shed_Blind", Type: entity.TypeBlind},
		{ID: livingRoom, Type: entity.TypeMediaPlayer},
	}
	for _, def := range defs {
		require.NoError(t, f.reg.Add(def))
		f.reg.SetConnected(def.ID, true)
	}
	f.reg.Subscribe(func(c entity.Change) { f.changes = append(f.changes, c) })

	f.sync = New(f.reg, nil, logger)
	players := f.sync.Players()
	players.MapChannel("Living_Control", livingRoom, "control")
	players.MapChannel("Living_Volume", livingRoom, "volume")
	players.MapChannel("Living_Mute", livingRoom, "mute")
	players.MapChannel("Living_Title", livingRoom, "title")
	players.MapChannel("Ghost_Volume", "kodi:gone", "volume")
	return f
}

func (f *fixture) snapshot(t *testing.T, id string) entity.Snapshot {
	t.Helper()
	snap, ok := f.reg.Snapshot(id)
	require.True(t, ok)
	return snap
}

func TestApply_Blind(t *testing.T) {
	tests := []struct {
		raw      string
		state    entity.State
		position any
		outcome  Outcome
	}{
		{"100", entity.StateOpen, 100, Applied},
		{"57", entity.StateClosed, 57, Applied},
		{"0", entity.StateClosed, 0, Applied},
		{"ON", entity.StateOpen, nil, Applied},
		{"OFF", entity.StateClosed, nil, Applied},
		{"garbage", entity.StateUnknown, nil, Ignored},
		{"UNDEF", entity.StateUnknown, nil, Ignored},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f := newFixture(t)

			assert.Equal(t, tt.outcome, f.sync.Apply("Garage_Blind", tt.raw))

			snap := f.snapshot(t, "Garage_Blind")
			assert.Equal(t, tt.state, snap.State)
			assert.Equal(t, tt.position, snap.Attributes[entity.AttrPosition])
		})
	}

	t.Run("position without capability", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Ignored, f.sync.Apply("Shed_Blind", "57"))
		assert.Equal(t, entity.StateUnknown, f.snapshot(t, "Shed_Blind").State)
	})
}

func TestApply_DimmerOnlyOnAtFull(t *testing.T) {
	f := newFixture(t)

	for i := 0; i <= 100; i++ {
		require.Equal(t, Applied, f.sync.Apply("Hall_Dimmer", strconv.Itoa(i)))

		snap := f.snapshot(t, "Hall_Dimmer")
		assert.Equal(t, i, snap.Attributes[entity.AttrBrightness])
		if i == 100 {
			assert.Equal(t, entity.StateOn, snap.State)
		} else {
			assert.Equal(t, entity.StateOff, snap.State, i)
		}
	}
}

func TestApply_Light(t *testing.T) {
	t.Run("on off", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Applied, f.sync.Apply("Kitchen_Light", "on"))
		assert.Equal(t, entity.StateOn, f.snapshot(t, "Kitchen_Light").State)
		assert.Equal(t, Applied, f.sync.Apply("Kitchen_Light", "OFF"))
		assert.Equal(t, entity.StateOff, f.snapshot(t, "Kitchen_Light").State)
	})

	t.Run("brightness without capability", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Unsupported, f.sync.Apply("Kitchen_Light", "40"))
		assert.Empty(t, f.snapshot(t, "Kitchen_Light").Attributes)
	})

	t.Run("color", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Applied, f.sync.Apply("Desk_Lamp", "120,50,50"))
		assert.Equal(t, "#40bf40", f.snapshot(t, "Desk_Lamp").Attributes[entity.AttrColor])

		assert.Equal(t, Applied, f.sync.Apply("Desk_Lamp", "100"))
		snap := f.snapshot(t, "Desk_Lamp")
		assert.Equal(t, entity.StateOn, snap.State)
		assert.Equal(t, 100, snap.Attributes[entity.AttrBrightness])
	})

	t.Run("color on plain light", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Unsupported, f.sync.Apply("Kitchen_Light", "120,50,50"))
	})

	t.Run("color temperature", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Applied, f.sync.Apply("Bed_Lamp", "30"))
		assert.Equal(t, 30, f.snapshot(t, "Bed_Lamp").Attributes[entity.AttrColorTemp])
		assert.Equal(t, Applied, f.sync.Apply("Bed_Lamp", "ON"))
		assert.Equal(t, entity.StateOn, f.snapshot(t, "Bed_Lamp").State)
	})

	t.Run("text", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, Unsupported, f.sync.Apply("Kitchen_Light", "bright"))
	})
}

func TestApply_Switch(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, Applied, f.sync.Apply("Porch_Switch", "ON"))
	assert.Equal(t, entity.StateOn, f.snapshot(t, "Porch_Switch").State)

	assert.Equal(t, Applied, f.sync.Apply("Porch_Switch", "OFF"))
	assert.Equal(t, entity.StateOff, f.snapshot(t, "Porch_Switch").State)

	assert.Equal(t, Applied, f.sync.Apply("Porch_Switch", "42"))
	assert.Equal(t, entity.StateOff, f.snapshot(t, "Porch_Switch").State)
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)

	f.sync.Apply("Hall_Dimmer", "40")
	first := len(f.changes)
	require.NotZero(t, first)

	f.sync.Apply("Hall_Dimmer", "40")
	assert.Len(t, f.changes, first)
	assert.Equal(t, 40, f.snapshot(t, "Hall_Dimmer").Attributes[entity.AttrBrightness])
}

func TestApply_Disconnected(t *testing.T) {
	f := newFixture(t)
	f.reg.SetConnected("Porch_Switch", false)
	f.reg.SetConnected(livingRoom, false)
	f.changes = nil

	assert.Equal(t, Disconnected, f.sync.Apply("Porch_Switch", "ON"))
	assert.Equal(t, Disconnected, f.sync.Apply("Living_Volume", "25"))
	assert.Empty(t, f.changes)
}

func TestApply_Unroutable(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, Unroutable, f.sync.Apply("Unknown_Item", "ON"))
	assert.Equal(t, Unroutable, f.sync.Apply("Ghost_Volume", "10"))
	assert.Empty(t, f.changes)
}

func TestApply_PlayerItems(t *testing.T) {
	tests := []struct {
		item    string
		raw     string
		outcome Outcome
		check   func(t *testing.T, snap entity.Snapshot)
	}{
		{"Living_Control", "PLAY", Applied, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, entity.StatePlaying, s.State)
		}},
		{"Living_Control", "PAUSE", Applied, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, entity.StateIdle, s.State)
		}},
		{"Living_Control", "ON", Applied, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, entity.StateOn, s.State)
		}},
		{"Living_Control", "FASTFORWARD", Ignored, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, entity.StateUnknown, s.State)
		}},
		{"Living_Volume", "25", Applied, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, 25, s.Attributes[entity.AttrVolume])
		}},
		{"Living_Volume", "loud", Unsupported, func(t *testing.T, s entity.Snapshot) {
			assert.Nil(t, s.Attributes[entity.AttrVolume])
		}},
		{"Living_Mute", "ON", Applied, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, true, s.Attributes[entity.AttrMuted])
		}},
		{"Living_Title", "Blue in Green", Applied, func(t *testing.T, s entity.Snapshot) {
			assert.Equal(t, "Blue in Green", s.Attributes[entity.AttrMediaTitle])
		}},
		{"Living_Title", "NULL", Ignored, func(t *testing.T, s entity.Snapshot) {
			assert.Nil(t, s.Attributes[entity.AttrMediaTitle])
		}},
	}

	for _, tt := range tests {
		t.Run(tt.item+"="+tt.raw, func(t *testing.T) {
			f := newFixture(t)
			assert.Equal(t, tt.outcome, f.sync.Apply(tt.item, tt.raw))
			tt.check(t, f.snapshot(t, livingRoom))
		})
	}
}

func TestApplyEntity_PlayerDirect(t *testing.T) {
	f := newFixture(t)
	info, ok := f.reg.Lookup(livingRoom)
	require.True(t, ok)

	assert.Equal(t, Unsupported, f.sync.ApplyEntity(info, "ON"))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "unroutable", Unroutable.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "unsupported", Unsupported.String())
	assert.Equal(t, "ignored", Ignored.String())
}
