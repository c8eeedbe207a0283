package integration

import (
	"context"
	"errors"
	"testing"

	"openhabsync/internal/command"
	"openhabsync/internal/entity"
	"openhabsync/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_CommandsRoundTrip(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()
	connect(t, env)
	ctx := context.Background()

	tests := []struct {
		name     string
		entityID string
		command  string
		param    string
		item     string
		sent     string
		check    func() bool
	}{
		{"switch on", "Porch_Switch", command.On, "", "Porch_Switch", "ON", func() bool {
			return env.Entity("Porch_Switch").State == entity.StateOn
		}},
		{"dim to full", "Hall_Dimmer", command.Brightness, "100", "Hall_Dimmer", "100", func() bool {
			return env.Entity("Hall_Dimmer").State == entity.StateOn
		}},
		{"blind down", "Garage_Blind", command.Close, "", "Garage_Blind", "DOWN", nil},
		{"blind position", "Garage_Blind", command.Position, "30", "Garage_Blind", "30", func() bool {
			return env.Entity("Garage_Blind").Attributes[entity.AttrPosition] == 30
		}},
		{"color", "Desk_Lamp", command.Color, "#ff0000", "Desk_Lamp", "0,100,50", func() bool {
			return env.Entity("Desk_Lamp").Attributes[entity.AttrColor] == "#ff0000"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.Server.ClearCommands()

			require.NoError(t, env.Dispatcher.Send(ctx, tt.entityID, tt.command, tt.param))

			last := testutil.LastCommand(env.Server.Commands(), tt.item)
			require.NotNil(t, last)
			assert.Equal(t, tt.sent, last.Command)
			if tt.check != nil {
				assert.Eventually(t, tt.check, waitFor, tick, "echoed state should reach the entity")
			}
		})
	}
}

func TestScenario_UnsupportedCommandSendsNothing(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()
	connect(t, env)

	require.NoError(t, env.Dispatcher.Send(context.Background(), "Kitchen_Light", command.Brightness, "50"))
	require.NoError(t, env.Dispatcher.Send(context.Background(), "Porch_Switch", "TOGGLE", ""))

	assert.Empty(t, env.Server.Commands())
}

func TestScenario_CommandToUnknownEntity(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	err := env.Dispatcher.Send(context.Background(), "Attic_Fan", command.On, "")
	assert.True(t, errors.Is(err, command.ErrUnknownEntity))
}

func TestScenario_CommandWhileHubDown(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()
	connect(t, env)

	env.Server.SetDown(true)
	err := env.Dispatcher.Send(context.Background(), "Porch_Switch", command.On, "")

	assert.Error(t, err)
	assert.Empty(t, testutil.FilterCommands(env.Server.Commands(), "Porch_Switch"))
}
