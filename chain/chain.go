// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package chain owns the confirmed layer-2 chain and its anchoring to the
// base chain. It is the only writer of the ChainStatus.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/optirollup/sequencer/basechain"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/statedb"
	"github.com/optirollup/sequencer/util/containers"
)

var (
	confirmedHeightGauge = metrics.NewRegisteredGauge("sequencer/chain/confirmed", nil)
	baseHeightGauge      = metrics.NewRegisteredGauge("sequencer/chain/base", nil)
	reorgCounter         = metrics.NewRegisteredCounter("sequencer/chain/reorgs", nil)
	rolledBackCounter    = metrics.NewRegisteredCounter("sequencer/chain/rolledback", nil)
)

var (
	ErrNotInitialized        = errors.New("chain not initialized")
	ErrNotSuccessor          = errors.New("block does not extend the confirmed tip")
	ErrInclusionNotCanonical = errors.New("inclusion block is not on the canonical base chain")
	ErrReorgTooDeep          = errors.New("no common ancestor within max reorg depth")
	ErrBaseChainMoved        = errors.New("base chain changed while catching up")
)

// StateCommitter is the state store plus the ability to persist a root.
type StateCommitter interface {
	statedb.Store
	Commit(root common.Hash) error
	Has(root common.Hash) bool
}

// Inclusion identifies the base chain block a settlement landed in.
type Inclusion struct {
	BaseHeight uint64
	BaseHash   common.Hash
}

// ReorgEvent is published after the chain rolled back to a common ancestor
// with the new canonical base chain.
type ReorgEvent struct {
	NewStatus      *l2types.ChainStatus
	AncestorHeight uint64
	RolledBack     []*l2types.Block
}

type Chain struct {
	config ConfigFetcher
	state  StateCommitter
	blocks *statedb.BlockStore
	source basechain.HeaderSource

	mutex       sync.RWMutex
	initialized bool
	status      l2types.ChainStatus

	cacheMutex sync.Mutex
	blockCache *containers.LruCache[uint64, *l2types.Block]

	subscribersMutex sync.Mutex
	subscribers      []chan *ReorgEvent
}

func New(state StateCommitter, blocks *statedb.BlockStore, source basechain.HeaderSource, config ConfigFetcher) *Chain {
	return &Chain{
		config:     config,
		state:      state,
		blocks:     blocks,
		source:     source,
		blockCache: containers.NewLruCache[uint64, *l2types.Block](config().BlockCacheSize),
	}
}

// Initialize resumes from the stored status, or writes the genesis block if
// the database is empty.
func (c *Chain) Initialize(alloc GenesisAlloc) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	status, err := c.blocks.ReadStatus()
	if errors.Is(err, statedb.ErrNotFound) {
		status, err = c.writeGenesisLocked(alloc)
	}
	if err != nil {
		return err
	}
	if !c.state.Has(status.StateRoot) {
		return fmt.Errorf("%w: confirmed state root %v is missing", statedb.ErrStateCorruption, status.StateRoot)
	}
	c.status = *status
	c.initialized = true
	confirmedHeightGauge.Update(int64(status.BlockNumber))
	baseHeightGauge.Update(int64(status.BaseHeight))
	log.Info("Chain: initialized", "block", status.BlockNumber, "hash", status.BlockHash, "stateRoot", status.StateRoot, "baseHeight", status.BaseHeight)
	return nil
}

func (c *Chain) writeGenesisLocked(alloc GenesisAlloc) (*l2types.ChainStatus, error) {
	config := c.config()
	addrs := make([]common.Address, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	kvs := make([]statedb.KV, 0, len(addrs))
	for _, addr := range addrs {
		acct := l2types.NewAccount()
		acct.Balance.Set(alloc[addr])
		kv, err := statedb.AccountKV(addr, acct)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	root, err := c.state.PutBatch(types.EmptyRootHash, kvs)
	if err != nil {
		return nil, err
	}
	if err := c.state.Commit(root); err != nil {
		return nil, err
	}
	genesis := l2types.AssembleBlock(&l2types.BlockAssembly{
		Number:        0,
		Timestamp:     config.GenesisTimestamp,
		PrevStateRoot: root,
		PostStateRoot: root,
	})
	status := &l2types.ChainStatus{
		Version:     1,
		BlockNumber: 0,
		BlockHash:   genesis.Hash(),
		StateRoot:   root,
		BaseHeight:  config.GenesisBaseHeight,
	}
	checkpoint := l2types.NewCheckpoint(genesis.Header, config.GenesisBaseHeight, common.Hash{})
	if err := c.blocks.WriteConfirmed(genesis, checkpoint, status); err != nil {
		return nil, err
	}
	log.Info("Chain: wrote genesis", "hash", genesis.Hash(), "stateRoot", root, "accounts", len(addrs))
	return status, nil
}

// Status returns a copy of the current chain status.
func (c *Chain) Status() *l2types.ChainStatus {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.status.Copy()
}

func (c *Chain) TipBlockHash() common.Hash {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.status.BlockHash
}

// Tip returns the last confirmed block.
func (c *Chain) Tip() (*l2types.Block, error) {
	return c.GetBlockByNumber(c.Status().BlockNumber)
}

func (c *Chain) GetBlockByNumber(number uint64) (*l2types.Block, error) {
	c.cacheMutex.Lock()
	block, ok := c.blockCache.Get(number)
	c.cacheMutex.Unlock()
	if ok {
		return block, nil
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if number > c.status.BlockNumber {
		return nil, statedb.ErrNotFound
	}
	block, err := c.blocks.GetBlock(number)
	if err != nil {
		return nil, err
	}
	c.cacheMutex.Lock()
	c.blockCache.Add(number, block)
	c.cacheMutex.Unlock()
	return block, nil
}

func (c *Chain) GetBlockByHash(hash common.Hash) (*l2types.Block, error) {
	number, err := c.blocks.GetBlockNumber(hash)
	if err != nil {
		return nil, err
	}
	block, err := c.GetBlockByNumber(number)
	if err != nil {
		return nil, err
	}
	if block.Hash() != hash {
		return nil, statedb.ErrNotFound
	}
	return block, nil
}

func (c *Chain) BlockHashByNumber(number uint64) (common.Hash, error) {
	checkpoint, err := c.GetCheckpoint(number)
	if err != nil {
		return common.Hash{}, err
	}
	return checkpoint.Hash, nil
}

func (c *Chain) GetCheckpoint(number uint64) (*l2types.Checkpoint, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if number > c.status.BlockNumber {
		return nil, statedb.ErrNotFound
	}
	return c.blocks.GetCheckpoint(number)
}

// Subscribe returns a channel receiving every reorg event from now on.
func (c *Chain) Subscribe() <-chan *ReorgEvent {
	ch := make(chan *ReorgEvent, 4)
	c.subscribersMutex.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subscribersMutex.Unlock()
	return ch
}

func (c *Chain) publish(ctx context.Context, event *ReorgEvent) {
	c.subscribersMutex.Lock()
	subscribers := append([]chan *ReorgEvent{}, c.subscribers...)
	c.subscribersMutex.Unlock()
	for _, ch := range subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return
		}
	}
}

// CommitBlock makes block the new confirmed tip. Its post-state root is
// persisted together with the block and its checkpoint. The inclusion must be
// at an anchored base height and match the anchored hash there.
func (c *Chain) CommitBlock(block *l2types.Block, inclusion Inclusion) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	header := block.Header
	if header.Number != c.status.BlockNumber+1 || header.ParentHash != c.status.BlockHash || header.PrevStateRoot != c.status.StateRoot {
		return fmt.Errorf("%w: block %d parent %v prev root %v, tip %d %v root %v", ErrNotSuccessor,
			header.Number, header.ParentHash, header.PrevStateRoot, c.status.BlockNumber, c.status.BlockHash, c.status.StateRoot)
	}
	if inclusion.BaseHeight > c.status.BaseHeight {
		return fmt.Errorf("%w: height %d is above the anchored height %d", ErrInclusionNotCanonical, inclusion.BaseHeight, c.status.BaseHeight)
	}
	anchored, err := c.blocks.GetBaseHash(inclusion.BaseHeight)
	if errors.Is(err, statedb.ErrNotFound) {
		return fmt.Errorf("%w: height %d is not anchored", ErrInclusionNotCanonical, inclusion.BaseHeight)
	}
	if err != nil {
		return err
	}
	if anchored != inclusion.BaseHash {
		return fmt.Errorf("%w: height %d has %v, inclusion in %v", ErrInclusionNotCanonical, inclusion.BaseHeight, anchored, inclusion.BaseHash)
	}
	if err := c.state.Commit(header.PostStateRoot); err != nil {
		return err
	}
	status := c.status
	status.Version++
	status.BlockNumber = header.Number
	status.BlockHash = block.Hash()
	status.StateRoot = header.PostStateRoot
	checkpoint := l2types.NewCheckpoint(header, inclusion.BaseHeight, inclusion.BaseHash)
	if err := c.blocks.WriteConfirmed(block, checkpoint, &status); err != nil {
		return err
	}
	c.status = status
	c.cacheMutex.Lock()
	c.blockCache.Add(header.Number, block)
	c.cacheMutex.Unlock()
	confirmedHeightGauge.Update(int64(header.Number))
	log.Info("Chain: block confirmed", "number", header.Number, "hash", status.BlockHash, "stateRoot", status.StateRoot, "baseHeight", inclusion.BaseHeight)
	return nil
}

func (c *Chain) headerAt(ctx context.Context, height uint64) (*types.Header, error) {
	header, err := c.source.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("fetching base header %d: %w", height, err)
	}
	return header, nil
}

// ProcessBaseHeader advances the base chain anchor to head, filling in any
// skipped heights. If head does not extend the anchored chain the confirmed
// chain is rolled back to the last block anchored at or below the common
// ancestor, and a ReorgEvent is published and returned.
func (c *Chain) ProcessBaseHeader(ctx context.Context, head *types.Header) (*ReorgEvent, error) {
	event, err := c.processBaseHeader(ctx, head)
	if event != nil {
		c.publish(ctx, event)
	}
	return event, err
}

func (c *Chain) processBaseHeader(ctx context.Context, head *types.Header) (*ReorgEvent, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	height := head.Number.Uint64()

	if c.status.BaseHash == (common.Hash{}) {
		// first header since genesis, anchor the genesis base height first
		if height < c.status.BaseHeight {
			return nil, nil
		}
		first := head
		if height > c.status.BaseHeight {
			var err error
			first, err = c.headerAt(ctx, c.status.BaseHeight)
			if err != nil {
				return nil, err
			}
		}
		if err := c.anchorLocked(first); err != nil {
			return nil, err
		}
	}

	if height <= c.status.BaseHeight {
		anchored, err := c.blocks.GetBaseHash(height)
		if errors.Is(err, statedb.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if anchored == head.Hash() {
			return nil, nil
		}
		return c.reorgLocked(ctx, head)
	}

	for next := c.status.BaseHeight + 1; next <= height; next++ {
		header := head
		if next < height {
			var err error
			header, err = c.headerAt(ctx, next)
			if err != nil {
				return nil, err
			}
		}
		if header.ParentHash != c.status.BaseHash {
			return c.reorgLocked(ctx, head)
		}
		if err := c.anchorLocked(header); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *Chain) anchorLocked(header *types.Header) error {
	height := header.Number.Uint64()
	if err := c.blocks.WriteBaseHash(height, header.Hash()); err != nil {
		return err
	}
	status := c.status
	status.Version++
	status.BaseHeight = height
	status.BaseHash = header.Hash()
	if err := c.blocks.WriteStatus(&status); err != nil {
		return err
	}
	c.status = status
	baseHeightGauge.Update(int64(height))
	return nil
}

func (c *Chain) findAncestorLocked(ctx context.Context, head *types.Header) (*types.Header, error) {
	config := c.config()
	start := c.status.BaseHeight
	if headHeight := head.Number.Uint64(); headHeight <= start {
		if headHeight == 0 {
			return nil, ErrReorgTooDeep
		}
		start = headHeight - 1
	}
	for height := start; ; height-- {
		canonical, err := c.headerAt(ctx, height)
		if err != nil {
			return nil, err
		}
		anchored, err := c.blocks.GetBaseHash(height)
		if errors.Is(err, statedb.ErrNotFound) || (err == nil && anchored == canonical.Hash()) {
			return canonical, nil
		}
		if err != nil {
			return nil, err
		}
		if height == 0 || start-height >= config.MaxReorgDepth {
			return nil, fmt.Errorf("%w: searched from %d to %d", ErrReorgTooDeep, start, height)
		}
	}
}

func (c *Chain) reorgLocked(ctx context.Context, head *types.Header) (*ReorgEvent, error) {
	ancestor, err := c.findAncestorLocked(ctx, head)
	if err != nil {
		return nil, err
	}
	ancestorHeight := ancestor.Number.Uint64()

	number := c.status.BlockNumber
	var checkpoint *l2types.Checkpoint
	for {
		checkpoint, err = c.blocks.GetCheckpoint(number)
		if err != nil {
			return nil, err
		}
		if number == 0 || checkpoint.BaseHeight <= ancestorHeight {
			break
		}
		number--
	}
	status := l2types.ChainStatus{
		Version:     c.status.Version + 1,
		BlockNumber: number,
		BlockHash:   checkpoint.Hash,
		StateRoot:   checkpoint.PostStateRoot,
		BaseHeight:  ancestorHeight,
		BaseHash:    ancestor.Hash(),
	}
	removed, err := c.blocks.RollbackTo(number, ancestorHeight, &status)
	if err != nil {
		return nil, err
	}
	// the ancestor may not have been anchored before
	if err := c.blocks.WriteBaseHash(ancestorHeight, ancestor.Hash()); err != nil {
		return nil, err
	}
	c.status = status
	c.cacheMutex.Lock()
	c.blockCache.Clear()
	c.cacheMutex.Unlock()
	reorgCounter.Inc(1)
	rolledBackCounter.Inc(int64(len(removed)))
	confirmedHeightGauge.Update(int64(number))
	baseHeightGauge.Update(int64(ancestorHeight))
	log.Warn("Chain: base chain reorg", "ancestor", ancestorHeight, "newHead", head.Number, "confirmed", number, "rolledBack", len(removed))

	event := &ReorgEvent{
		NewStatus:      status.Copy(),
		AncestorHeight: ancestorHeight,
		RolledBack:     removed,
	}
	for next := ancestorHeight + 1; next <= head.Number.Uint64(); next++ {
		header, err := c.headerAt(ctx, next)
		if err != nil {
			return event, err
		}
		if header.ParentHash != c.status.BaseHash {
			return event, fmt.Errorf("%w at height %d", ErrBaseChainMoved, next)
		}
		if err := c.anchorLocked(header); err != nil {
			return event, err
		}
	}
	return event, nil
}
