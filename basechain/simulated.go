// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package basechain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"github.com/optirollup/sequencer/l2types"
)

type queuedDeposit struct {
	to     common.Address
	amount *uint256.Int
}

// SimulatedChain is an in-memory base chain for development and tests. It
// mines on demand, can be reorganized and carries deposit events.
type SimulatedChain struct {
	mutex    sync.Mutex
	headers  []*types.Header
	deposits map[common.Hash][]*l2types.Transaction
	queued   []queuedDeposit
	forks    uint64
	feed     event.Feed
}

func NewSimulatedChain(genesisTime uint64) *SimulatedChain {
	genesis := &types.Header{
		Number:     new(big.Int),
		Difficulty: common.Big1,
		Time:       genesisTime,
	}
	return &SimulatedChain{
		headers:  []*types.Header{genesis},
		deposits: make(map[common.Hash][]*l2types.Transaction),
	}
}

func (s *SimulatedChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if number == nil {
		return types.CopyHeader(s.headers[len(s.headers)-1]), nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(s.headers)) {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(s.headers[number.Uint64()]), nil
}

func (s *SimulatedChain) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return s.feed.Subscribe(ch), nil
}

func (s *SimulatedChain) Head() *types.Header {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return types.CopyHeader(s.headers[len(s.headers)-1])
}

// IsCanonical reports whether hash is the block at height.
func (s *SimulatedChain) IsCanonical(height uint64, hash common.Hash) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return height < uint64(len(s.headers)) && s.headers[height].Hash() == hash
}

// QueueDeposit makes the next mined block carry a deposit of amount to to.
func (s *SimulatedChain) QueueDeposit(to common.Address, amount *uint256.Int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.queued = append(s.queued, queuedDeposit{to: to, amount: new(uint256.Int).Set(amount)})
}

// DepositsAt returns the deposits carried by header.
func (s *SimulatedChain) DepositsAt(ctx context.Context, header *types.Header) ([]*l2types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	deposits := s.deposits[header.Hash()]
	result := make([]*l2types.Transaction, len(deposits))
	for i, tx := range deposits {
		result[i] = tx.Copy()
	}
	return result, nil
}

func (s *SimulatedChain) mineLocked() *types.Header {
	parent := s.headers[len(s.headers)-1]
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, common.Big1),
		Difficulty: common.Big1,
		Time:       parent.Time + 1,
		Extra:      new(big.Int).SetUint64(s.forks).Bytes(),
	}
	hash := header.Hash()
	height := header.Number.Uint64()
	for i, queued := range s.queued {
		id := l2types.DepositIDFor(hash, uint64(i))
		s.deposits[hash] = append(s.deposits[hash], l2types.NewDeposit(id, height, queued.to, queued.amount))
	}
	s.queued = nil
	s.headers = append(s.headers, header)
	return header
}

// Mine appends count blocks and announces each of them.
func (s *SimulatedChain) Mine(count int) []*types.Header {
	s.mutex.Lock()
	mined := make([]*types.Header, 0, count)
	for i := 0; i < count; i++ {
		mined = append(mined, s.mineLocked())
	}
	s.mutex.Unlock()
	for _, header := range mined {
		s.feed.Send(types.CopyHeader(header))
	}
	return mined
}

// Reorg drops the last depth blocks and mines length replacement blocks on
// top of the new tip. Deposits in dropped blocks are gone.
func (s *SimulatedChain) Reorg(depth uint64, length int) []*types.Header {
	s.mutex.Lock()
	if depth >= uint64(len(s.headers)) {
		depth = uint64(len(s.headers)) - 1
	}
	s.headers = s.headers[:uint64(len(s.headers))-depth]
	s.forks++
	s.mutex.Unlock()
	return s.Mine(length)
}
