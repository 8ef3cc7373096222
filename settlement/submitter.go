// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package settlement

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrSubmissionFailed  = errors.New("settlement submission failed")
	ErrSuperseded        = errors.New("settlement submission superseded")
	ErrUnknownSubmission = errors.New("unknown settlement submission")
)

type SubmissionID common.Hash

func (id SubmissionID) String() string {
	return common.Hash(id).Hex()
}

type SubmissionState uint8

const (
	SubmissionPending SubmissionState = iota
	SubmissionIncluded
	SubmissionFailed
	SubmissionSuperseded
)

func (s SubmissionState) String() string {
	switch s {
	case SubmissionPending:
		return "pending"
	case SubmissionIncluded:
		return "included"
	case SubmissionFailed:
		return "failed"
	case SubmissionSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// SubmissionStatus is what the base chain currently says about a
// submission. BaseHeight and BaseHash are set once it is included.
type SubmissionStatus struct {
	State      SubmissionState
	BaseHeight uint64
	BaseHash   common.Hash
	Reason     string
}

// Submitter posts commitments to the base chain. Submissions are never
// cancelled; a superseded submission is only forgotten locally.
type Submitter interface {
	Submit(ctx context.Context, commitment *Commitment) (SubmissionID, error)
	Status(ctx context.Context, id SubmissionID) (SubmissionStatus, error)
	Supersede(id SubmissionID)
}
