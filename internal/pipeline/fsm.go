package pipeline

import (
	"context"
	"fmt"
)

// State is a conversion job's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateReading      State = "reading"
	StateTransforming State = "transforming"
	StateWriting      State = "writing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition leaves the state.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// transitionFunc performs the work of one state and names the next.
type transitionFunc func(ctx context.Context, j *Job) (State, error)

// machine is a linear transition table: each non-terminal state has
// exactly one handler. Any handler error moves the job to failed.
type machine struct {
	start       State
	transitions map[State]transitionFunc
}

// newMachine builds the table from an ordered start-to-end chain.
func newMachine(start State, steps ...step) *machine {
	m := &machine{start: start, transitions: map[State]transitionFunc{}}
	for _, s := range steps {
		m.transitions[s.from] = s.run
	}
	return m
}

type step struct {
	from State
	run  transitionFunc
}

func to(from State, run transitionFunc) step { return step{from: from, run: run} }

// run drives the job from the start state to a terminal one, reporting
// every state entered through observe.
func (m *machine) run(ctx context.Context, j *Job, observe func(State)) error {
	state := m.start
	for !state.Terminal() {
		handler, ok := m.transitions[state]
		if !ok {
			return fmt.Errorf("no transition out of state %q", state)
		}

		next, err := handler(ctx, j)
		if err != nil {
			observe(StateFailed)
			return err
		}
		state = next
		observe(state)
	}
	return nil
}
