package agent

import (
	"fmt"
	"time"
)

type State string

const (
	StateIdle          State = "idle"
	StateAwaitingModel State = "awaiting_model"
	StateToolDispatch  State = "tool_dispatch"
	StateResponding    State = "responding"
)

var transitions = map[State][]State{
	StateIdle:          {StateAwaitingModel},
	StateAwaitingModel: {StateToolDispatch, StateResponding},
	StateToolDispatch:  {StateAwaitingModel, StateResponding},
	StateResponding:    {StateIdle},
}

type Transition struct {
	From State
	To   State
	At   time.Time
}

// Observer is called synchronously on every state change.
type Observer func(Transition)

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (a *Agent) transition(to State) {
	a.mu.Lock()
	from := a.state
	if !canTransition(from, to) {
		a.mu.Unlock()
		panic(fmt.Sprintf("agent: invalid transition %s -> %s", from, to))
	}
	a.state = to
	a.mu.Unlock()
	a.notify(from, to)
}

// begin claims the agent for a turn. It fails when a turn is already running.
func (a *Agent) begin() error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return ErrTurnInProgress
	}
	a.state = StateAwaitingModel
	a.mu.Unlock()
	a.notify(StateIdle, StateAwaitingModel)
	return nil
}

func (a *Agent) notify(from, to State) {
	if a.observer != nil {
		a.observer(Transition{From: from, To: to, At: a.now()})
	}
}

// State is the current state of the agent.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
