package agent

import (
	"errors"
	"fmt"
	"sync"
)

// ThinkingState is an agent's visible reasoning sub-state. The machine
// is pure bookkeeping for dashboards: it never gates execution.
type ThinkingState string

const (
	ThinkingIdle        ThinkingState = "IDLE"
	ThinkingExploring   ThinkingState = "EXPLORING"
	ThinkingStructuring ThinkingState = "STRUCTURING"
	ThinkingValidating  ThinkingState = "VALIDATING"
	ThinkingSummarizing ThinkingState = "SUMMARIZING"
)

// ThinkingEvent advances the machine.
type ThinkingEvent string

const (
	EventStartTask         ThinkingEvent = "START_TASK"
	EventInfoCollected     ThinkingEvent = "INFO_COLLECTED"
	EventStructureComplete ThinkingEvent = "STRUCTURE_COMPLETE"
	EventValidationPassed  ThinkingEvent = "VALIDATION_PASSED"
	EventTaskComplete      ThinkingEvent = "TASK_COMPLETE"
	EventValidationFailed  ThinkingEvent = "VALIDATION_FAILED"
	EventNeedMoreInfo      ThinkingEvent = "NEED_MORE_INFO"
	EventRestructureNeeded ThinkingEvent = "RESTRUCTURE_NEEDED"
	EventReset             ThinkingEvent = "RESET"
	EventPause             ThinkingEvent = "PAUSE"
	EventResume            ThinkingEvent = "RESUME"
)

// ErrInvalidTransition is returned when the event does not apply to the
// current state. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid thinking transition")

// ErrMachinePaused is returned for any event other than RESUME or RESET
// while the machine is paused.
var ErrMachinePaused = errors.New("thinking machine paused")

// thinkingTransitions is the full transition table. RESET, PAUSE, and
// RESUME are handled outside the table because they apply everywhere.
var thinkingTransitions = map[ThinkingState]map[ThinkingEvent]ThinkingState{
	ThinkingIdle: {
		EventStartTask: ThinkingExploring,
	},
	ThinkingExploring: {
		EventInfoCollected: ThinkingStructuring,
	},
	ThinkingStructuring: {
		EventStructureComplete: ThinkingValidating,
		EventNeedMoreInfo:      ThinkingExploring,
	},
	ThinkingValidating: {
		EventValidationPassed:  ThinkingSummarizing,
		EventValidationFailed:  ThinkingExploring,
		EventRestructureNeeded: ThinkingStructuring,
	},
	ThinkingSummarizing: {
		EventTaskComplete: ThinkingIdle,
		EventNeedMoreInfo: ThinkingExploring,
	},
}

// StateNotifier observes transitions. Called synchronously with the
// machine unlocked, so status events keep transition order.
type StateNotifier func(agentID string, from, to ThinkingState)

// ThinkingMachine tracks one agent's reasoning sub-state.
type ThinkingMachine struct {
	mu      sync.Mutex
	agentID string
	state   ThinkingState
	paused  bool
	notify  StateNotifier
}

// NewThinkingMachine creates a machine in IDLE. notify may be nil.
func NewThinkingMachine(agentID string, notify StateNotifier) *ThinkingMachine {
	return &ThinkingMachine{
		agentID: agentID,
		state:   ThinkingIdle,
		notify:  notify,
	}
}

// State returns the current state.
func (m *ThinkingMachine) State() ThinkingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Paused reports whether the machine is paused.
func (m *ThinkingMachine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Fire applies one event. Invalid events leave the state untouched and
// return ErrInvalidTransition; while paused, only RESUME and RESET are
// honored.
func (m *ThinkingMachine) Fire(event ThinkingEvent) error {
	m.mu.Lock()

	switch event {
	case EventPause:
		m.paused = true
		m.mu.Unlock()
		return nil

	case EventResume:
		m.paused = false
		m.mu.Unlock()
		return nil

	case EventReset:
		from := m.state
		m.state = ThinkingIdle
		m.paused = false
		m.mu.Unlock()
		if from != ThinkingIdle {
			m.emit(from, ThinkingIdle)
		}
		return nil
	}

	if m.paused {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s ignored", ErrMachinePaused, event)
	}

	to, ok := thinkingTransitions[m.state][event]
	if !ok {
		from := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, from)
	}

	from := m.state
	m.state = to
	m.mu.Unlock()

	m.emit(from, to)
	return nil
}

func (m *ThinkingMachine) emit(from, to ThinkingState) {
	if m.notify != nil {
		m.notify(m.agentID, from, to)
	}
}
