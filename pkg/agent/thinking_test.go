package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThinkingHappyPath(t *testing.T) {
	m := NewThinkingMachine("search", nil)
	require.Equal(t, ThinkingIdle, m.State())

	steps := []struct {
		event ThinkingEvent
		want  ThinkingState
	}{
		{EventStartTask, ThinkingExploring},
		{EventInfoCollected, ThinkingStructuring},
		{EventStructureComplete, ThinkingValidating},
		{EventValidationPassed, ThinkingSummarizing},
		{EventTaskComplete, ThinkingIdle},
	}
	for _, s := range steps {
		require.NoError(t, m.Fire(s.event))
		assert.Equal(t, s.want, m.State())
	}
}

func TestThinkingReworkLoops(t *testing.T) {
	tests := []struct {
		name   string
		warmup []ThinkingEvent
		event  ThinkingEvent
		want   ThinkingState
	}{
		{
			name:   "validation failure returns to exploring",
			warmup: []ThinkingEvent{EventStartTask, EventInfoCollected, EventStructureComplete},
			event:  EventValidationFailed,
			want:   ThinkingExploring,
		},
		{
			name:   "restructure returns to structuring",
			warmup: []ThinkingEvent{EventStartTask, EventInfoCollected, EventStructureComplete},
			event:  EventRestructureNeeded,
			want:   ThinkingStructuring,
		},
		{
			name:   "structuring can go back for more info",
			warmup: []ThinkingEvent{EventStartTask, EventInfoCollected},
			event:  EventNeedMoreInfo,
			want:   ThinkingExploring,
		},
		{
			name: "summarizing can go back for more info",
			warmup: []ThinkingEvent{EventStartTask, EventInfoCollected,
				EventStructureComplete, EventValidationPassed},
			event: EventNeedMoreInfo,
			want:  ThinkingExploring,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewThinkingMachine("search", nil)
			for _, e := range tt.warmup {
				require.NoError(t, m.Fire(e))
			}
			require.NoError(t, m.Fire(tt.event))
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestThinkingInvalidTransition(t *testing.T) {
	m := NewThinkingMachine("search", nil)

	err := m.Fire(EventTaskComplete)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ThinkingIdle, m.State(), "state unchanged on invalid event")

	require.NoError(t, m.Fire(EventStartTask))
	err = m.Fire(EventValidationPassed)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ThinkingExploring, m.State())
}

func TestThinkingResetFromAnywhere(t *testing.T) {
	m := NewThinkingMachine("search", nil)
	require.NoError(t, m.Fire(EventStartTask))
	require.NoError(t, m.Fire(EventInfoCollected))

	require.NoError(t, m.Fire(EventReset))
	assert.Equal(t, ThinkingIdle, m.State())

	// Reset in idle is a no-op, not an error.
	require.NoError(t, m.Fire(EventReset))
}

func TestThinkingPause(t *testing.T) {
	m := NewThinkingMachine("search", nil)
	require.NoError(t, m.Fire(EventStartTask))

	require.NoError(t, m.Fire(EventPause))
	assert.True(t, m.Paused())

	err := m.Fire(EventInfoCollected)
	require.ErrorIs(t, err, ErrMachinePaused)
	assert.Equal(t, ThinkingExploring, m.State(), "paused machine holds its state")

	require.NoError(t, m.Fire(EventResume))
	assert.False(t, m.Paused())
	require.NoError(t, m.Fire(EventInfoCollected))
	assert.Equal(t, ThinkingStructuring, m.State())
}

func TestThinkingResetWhilePaused(t *testing.T) {
	m := NewThinkingMachine("search", nil)
	require.NoError(t, m.Fire(EventStartTask))
	require.NoError(t, m.Fire(EventPause))

	require.NoError(t, m.Fire(EventReset))
	assert.Equal(t, ThinkingIdle, m.State())
	assert.False(t, m.Paused(), "reset clears the pause")
}

func TestThinkingNotifier(t *testing.T) {
	type transition struct {
		agentID  string
		from, to ThinkingState
	}
	var seen []transition
	m := NewThinkingMachine("search", func(agentID string, from, to ThinkingState) {
		seen = append(seen, transition{agentID, from, to})
	})

	require.NoError(t, m.Fire(EventStartTask))
	require.NoError(t, m.Fire(EventInfoCollected))
	_ = m.Fire(EventTaskComplete) // invalid, must not notify
	require.NoError(t, m.Fire(EventReset))

	require.Len(t, seen, 3)
	assert.Equal(t, transition{"search", ThinkingIdle, ThinkingExploring}, seen[0])
	assert.Equal(t, transition{"search", ThinkingExploring, ThinkingStructuring}, seen[1])
	assert.Equal(t, transition{"search", ThinkingStructuring, ThinkingIdle}, seen[2])
}
