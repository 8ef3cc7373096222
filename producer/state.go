// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package producer

import (
	"fmt"

	"github.com/optirollup/sequencer/util"
)

type State uint8

const (
	Idle State = iota
	Pulling
	Executing
	Assembling
	Submitting
	AwaitingConfirmation
	Committed
	Rejected
	Halted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pulling:
		return "pulling"
	case Executing:
		return "executing"
	case Assembling:
		return "assembling"
	case Submitting:
		return "submitting"
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	case Committed:
		return "committed"
	case Rejected:
		return "rejected"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type event uint8

const (
	evStart event = iota
	evPulled
	evExecuted
	evAssembled
	evSubmitted
	evConfirmed
	evRejected
	evAbandon
	evReset
	evHalt
)

func (e event) String() string {
	switch e {
	case evStart:
		return "start"
	case evPulled:
		return "pulled"
	case evExecuted:
		return "executed"
	case evAssembled:
		return "assembled"
	case evSubmitted:
		return "submitted"
	case evConfirmed:
		return "confirmed"
	case evRejected:
		return "rejected"
	case evAbandon:
		return "abandon"
	case evReset:
		return "reset"
	case evHalt:
		return "halt"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

func newStateMachine(opts ...util.FsmOpt[event, State]) (*util.Fsm[event, State], error) {
	return util.NewFsm(Idle, []*util.FsmEvent[event, State]{
		{Typ: evStart, From: []State{Idle}, To: Pulling},
		{Typ: evPulled, From: []State{Pulling}, To: Executing},
		{Typ: evExecuted, From: []State{Executing}, To: Assembling},
		{Typ: evAssembled, From: []State{Assembling}, To: Submitting},
		{Typ: evSubmitted, From: []State{Submitting}, To: AwaitingConfirmation},
		{Typ: evConfirmed, From: []State{AwaitingConfirmation}, To: Committed},
		{Typ: evRejected, From: []State{Assembling, Submitting, AwaitingConfirmation}, To: Rejected},
		{Typ: evAbandon, From: []State{Pulling, Executing, Assembling}, To: Idle},
		{Typ: evReset, From: []State{Committed, Rejected}, To: Idle},
		{
			Typ:  evHalt,
			From: []State{Idle, Pulling, Executing, Assembling, Submitting, AwaitingConfirmation, Committed, Rejected},
			To:   Halted,
		},
	}, opts...)
}
