// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package util

import (
	"errors"
	"fmt"
)

var (
	ErrFsmInvalidTransition = errors.New("invalid state transition")
	ErrFsmEventNotFound     = errors.New("event not found")
)

type Stringer interface {
	String() string
}

// FsmEvent declares that event Typ moves the machine from any of From to To.
// Events are told apart by their String value.
type FsmEvent[E Stringer, S Stringer] struct {
	Typ  E
	From []S
	To   S
}

type CurrentState[E Stringer, S Stringer] struct {
	State       S
	SourceEvent E
}

type executedTransition[E Stringer, S Stringer] struct {
	From  S
	To    S
	Event E
}

// Fsm is a small finite state machine. It is not thread safe.
type Fsm[E Stringer, S Stringer] struct {
	curr                CurrentState[E, S]
	validTransitions    map[string]*FsmEvent[E, S]
	trackTransitions    bool
	transitionsExecuted []*executedTransition[E, S]
	onTransition        []func(from S, to S, event E)
}

type FsmOpt[E Stringer, S Stringer] func(f *Fsm[E, S])

// WithTrackedTransitions keeps every executed transition, for tests.
func WithTrackedTransitions[E Stringer, S Stringer]() FsmOpt[E, S] {
	return func(f *Fsm[E, S]) {
		f.trackTransitions = true
	}
}

// WithTransitionHook runs hook after every successful transition.
func WithTransitionHook[E Stringer, S Stringer](hook func(from S, to S, event E)) FsmOpt[E, S] {
	return func(f *Fsm[E, S]) {
		f.onTransition = append(f.onTransition, hook)
	}
}

func NewFsm[E Stringer, S Stringer](start S, transitions []*FsmEvent[E, S], opts ...FsmOpt[E, S]) (*Fsm[E, S], error) {
	if len(transitions) == 0 {
		return nil, errors.New("no transitions provided")
	}
	valid := make(map[string]*FsmEvent[E, S], len(transitions))
	for _, transition := range transitions {
		name := transition.Typ.String()
		if _, exists := valid[name]; exists {
			return nil, fmt.Errorf("duplicate event %s", name)
		}
		if len(transition.From) == 0 {
			return nil, fmt.Errorf("event %s has no source state", name)
		}
		valid[name] = transition
	}
	f := &Fsm[E, S]{
		curr:             CurrentState[E, S]{State: start},
		validTransitions: valid,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Fsm[E, S]) Current() CurrentState[E, S] {
	return f.curr
}

// Do applies event if the current state is one of its sources.
func (f *Fsm[E, S]) Do(event E) error {
	transition, ok := f.validTransitions[event.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFsmEventNotFound, event.String())
	}
	from := f.curr.State
	allowed := false
	for _, state := range transition.From {
		if state.String() == from.String() {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s from %s", ErrFsmInvalidTransition, event.String(), from.String())
	}
	f.curr = CurrentState[E, S]{
		State:       transition.To,
		SourceEvent: event,
	}
	if f.trackTransitions {
		f.transitionsExecuted = append(f.transitionsExecuted, &executedTransition[E, S]{
			From:  from,
			To:    transition.To,
			Event: event,
		})
	}
	for _, hook := range f.onTransition {
		hook(from, transition.To, event)
	}
	return nil
}
