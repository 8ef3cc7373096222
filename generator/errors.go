// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package generator

import (
	"errors"
	"fmt"

	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/statedb"
)

type ValidationCode uint8

const (
	CodeUnknownKind ValidationCode = iota + 1
	CodeBadSignature
	CodeNonceTooLow
	CodeNonceTooHigh
	CodeInsufficientBalance
	CodeZeroAmount
	CodeOverflow
)

func (c ValidationCode) String() string {
	switch c {
	case CodeUnknownKind:
		return "unknown kind"
	case CodeBadSignature:
		return "bad signature"
	case CodeNonceTooLow:
		return "nonce too low"
	case CodeNonceTooHigh:
		return "nonce too high"
	case CodeInsufficientBalance:
		return "insufficient balance"
	case CodeZeroAmount:
		return "zero amount"
	case CodeOverflow:
		return "balance overflow"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// ValidationError rejects a single input. It never aborts a batch.
type ValidationError struct {
	Code ValidationCode
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Is matches any ValidationError with the same code, so errors.Is works
// against the sentinels below.
func (e *ValidationError) Is(target error) bool {
	other, ok := target.(*ValidationError)
	return ok && other.Code == e.Code
}

// Permanent reports whether the input can never succeed on this lineage.
// A nonce that is too high may become valid once its predecessors land.
func (e *ValidationError) Permanent() bool {
	return e.Code != CodeNonceTooHigh
}

func newValidationError(code ValidationCode, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrUnknownKind         = &ValidationError{Code: CodeUnknownKind}
	ErrBadSignature        = &ValidationError{Code: CodeBadSignature}
	ErrNonceTooLow         = &ValidationError{Code: CodeNonceTooLow}
	ErrNonceTooHigh        = &ValidationError{Code: CodeNonceTooHigh}
	ErrInsufficientBalance = &ValidationError{Code: CodeInsufficientBalance}
	ErrZeroAmount          = &ValidationError{Code: CodeZeroAmount}
	ErrOverflow            = &ValidationError{Code: CodeOverflow}
)

var (
	// ErrStateCorruption is fatal: a node reachable from a root in use is gone.
	ErrStateCorruption = statedb.ErrStateCorruption
	ErrDepositOverflow = errors.New("deposit overflows beneficiary balance")
)

// InputError is a state-scoped failure that a single input caused.
type InputError struct {
	Tx  *l2types.Transaction
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %v: %v", e.Tx.Hash(), e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// AsValidationError unwraps err into a ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
