// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optirollup/sequencer/basechain"
)

type simulatedSubmission struct {
	commitment  *Commitment
	submittedAt uint64
	superseded  bool
}

// SimulatedSubmitter includes every commitment in the first simulated base
// chain block mined after it was submitted, and re-includes it at the same
// height if that block is reorged away.
type SimulatedSubmitter struct {
	chain *basechain.SimulatedChain

	mutex       sync.Mutex
	submissions map[SubmissionID]*simulatedSubmission
	order       []SubmissionID
	dropAll     bool
	failNext    error
}

func NewSimulatedSubmitter(chain *basechain.SimulatedChain) *SimulatedSubmitter {
	return &SimulatedSubmitter{
		chain:       chain,
		submissions: make(map[SubmissionID]*simulatedSubmission),
	}
}

// SetDropAll makes later submissions never land, as if they were priced out.
func (s *SimulatedSubmitter) SetDropAll(drop bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.dropAll = drop
}

// FailNext makes the next Submit call return err.
func (s *SimulatedSubmitter) FailNext(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failNext = err
}

func (s *SimulatedSubmitter) Submit(ctx context.Context, commitment *Commitment) (SubmissionID, error) {
	head, err := s.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return SubmissionID{}, err
	}
	hash, err := commitment.Hash()
	if err != nil {
		return SubmissionID{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return SubmissionID{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	id := SubmissionID(hash)
	submission := &simulatedSubmission{
		commitment:  commitment,
		submittedAt: head.Number.Uint64(),
	}
	if s.dropAll {
		submission.submittedAt = ^uint64(0) - 1
	}
	if _, exists := s.submissions[id]; !exists {
		s.order = append(s.order, id)
	}
	s.submissions[id] = submission
	return id, nil
}

func (s *SimulatedSubmitter) Status(ctx context.Context, id SubmissionID) (SubmissionStatus, error) {
	s.mutex.Lock()
	submission, exists := s.submissions[id]
	var superseded bool
	var submittedAt uint64
	if exists {
		superseded = submission.superseded
		submittedAt = submission.submittedAt
	}
	s.mutex.Unlock()
	if !exists {
		return SubmissionStatus{}, ErrUnknownSubmission
	}
	if superseded {
		return SubmissionStatus{State: SubmissionSuperseded}, nil
	}
	height := submittedAt + 1
	header, err := s.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		// not mined yet
		return SubmissionStatus{State: SubmissionPending}, nil
	}
	return SubmissionStatus{
		State:      SubmissionIncluded,
		BaseHeight: height,
		BaseHash:   header.Hash(),
	}, nil
}

func (s *SimulatedSubmitter) Supersede(id SubmissionID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if submission, exists := s.submissions[id]; exists {
		submission.superseded = true
	}
}

// Submitted returns every commitment submitted so far, in order.
func (s *SimulatedSubmitter) Submitted() []*Commitment {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := make([]*Commitment, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.submissions[id].commitment)
	}
	return result
}

// BlockHashes returns the block hashes of all submitted commitments, in order.
func (s *SimulatedSubmitter) BlockHashes() []common.Hash {
	var hashes []common.Hash
	for _, commitment := range s.Submitted() {
		hashes = append(hashes, commitment.BlockHash())
	}
	return hashes
}
