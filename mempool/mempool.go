// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package mempool stages unconfirmed inputs on top of the last confirmed state
// root and hands ready batches to the block producer.
package mempool

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"

	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/util/containers"
	"github.com/optirollup/sequencer/util/stopwaiter"
)

var (
	ErrCapacity     = errors.New("mempool is full")
	ErrAlreadyKnown = errors.New("already known")
	ErrTxTooLarge   = errors.New("transaction too large")
	ErrNonceTooLow  = generator.ErrNonceTooLow
)

var (
	stagedGauge          = metrics.NewRegisteredGauge("sequencer/mempool/staged", nil)
	pendingGauge         = metrics.NewRegisteredGauge("sequencer/mempool/pending", nil)
	inFlightGauge        = metrics.NewRegisteredGauge("sequencer/mempool/inflight", nil)
	rejectedCounter      = metrics.NewRegisteredCounter("sequencer/mempool/rejected", nil)
	droppedCounter       = metrics.NewRegisteredCounter("sequencer/mempool/dropped", nil)
	nonceFailuresCounter = metrics.NewRegisteredCounter("sequencer/mempool/noncefailures/expired", nil)
)

type IngestStatus uint8

const (
	// Staged inputs are part of the mem-block and can be pulled.
	Staged IngestStatus = iota + 1
	// HeldPending inputs wait for a predecessor nonce.
	HeldPending
)

type stagedInput struct {
	tx       *l2types.Transaction
	hash     common.Hash
	size     uint64
	inFlight bool
}

func newStagedInput(tx *l2types.Transaction) *stagedInput {
	return &stagedInput{
		tx:   tx,
		hash: tx.Hash(),
		size: tx.Size(),
	}
}

type addressAndNonce struct {
	address common.Address
	nonce   uint64
}

type nonceFailure struct {
	input   *stagedInput
	expiry  time.Time
	revived bool
}

func onNonceFailureEvict(_ addressAndNonce, failure *nonceFailure) {
	if !failure.revived {
		nonceFailuresCounter.Inc(1)
		log.Debug("dropping transaction that never found its predecessor", "tx", failure.input.hash, "from", failure.input.tx.From, "nonce", failure.input.tx.Nonce)
	}
}

// MemBlock is a read-only view of the speculative state: the staged inputs
// replayed in order on top of the confirmed root.
type MemBlock struct {
	BaseRoot        common.Hash
	SpeculativeRoot common.Hash
	Inputs          []*l2types.Transaction
}

type MemPool struct {
	stopwaiter.StopWaiter

	config ConfigFetcher
	gen    *generator.Generator
	notify chan struct{}

	// mutex guards everything below; all mutation happens with it held for writing
	mutex             sync.RWMutex
	confirmedRoot     common.Hash
	speculative       *generator.State
	staged            []*stagedInput
	known             map[common.Hash]*stagedInput
	stagedDeposits    map[common.Hash]struct{}
	committedDeposits *containers.LruCache[common.Hash, struct{}]
	nonceFailures     *containers.LruCache[addressAndNonce, *nonceFailure]
	reorgs            uint64
}

func New(gen *generator.Generator, confirmedRoot common.Hash, config ConfigFetcher) *MemPool {
	cfg := config()
	return &MemPool{
		config:            config,
		gen:               gen,
		notify:            make(chan struct{}, 1),
		confirmedRoot:     confirmedRoot,
		speculative:       gen.NewState(confirmedRoot),
		known:             make(map[common.Hash]*stagedInput),
		stagedDeposits:    make(map[common.Hash]struct{}),
		committedDeposits: containers.NewLruCache[common.Hash, struct{}](cfg.CommittedDepositsCache),
		nonceFailures:     containers.NewLruCacheWithOnEvict(cfg.NonceFailureCacheSize, onNonceFailureEvict),
	}
}

func (p *MemPool) Start(ctxIn context.Context) {
	p.StopWaiter.Start(ctxIn, p)
	p.CallIteratively(func(ctx context.Context) time.Duration {
		return p.maintain(time.Now())
	})
}

// maintain expires waiting transactions and returns how long until it
// should run again.
func (p *MemPool) maintain(now time.Time) time.Duration {
	config := p.config()
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.nonceFailures.Resize(config.NonceFailureCacheSize)
	next := p.expireNonceFailuresLocked(now)
	p.updateGaugesLocked()
	if next <= 0 || next > config.NonceFailureCacheExpiry {
		return config.NonceFailureCacheExpiry
	}
	return next
}

// returns the time until the oldest remaining entry expires, or 0 if none
func (p *MemPool) expireNonceFailuresLocked(now time.Time) time.Duration {
	for {
		_, failure, ok := p.nonceFailures.GetOldest()
		if !ok {
			return 0
		}
		untilExpiry := failure.expiry.Sub(now)
		if untilExpiry > 0 {
			return untilExpiry
		}
		p.nonceFailures.RemoveOldest()
	}
}

// ExpirePending drops every held transaction whose expiry is before now.
func (p *MemPool) ExpirePending(now time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.expireNonceFailuresLocked(now)
	p.updateGaugesLocked()
}

func (p *MemPool) updateGaugesLocked() {
	inFlight := 0
	for _, in := range p.staged {
		if in.inFlight {
			inFlight++
		}
	}
	stagedGauge.Update(int64(len(p.staged)))
	pendingGauge.Update(int64(p.nonceFailures.Len()))
	inFlightGauge.Update(int64(inFlight))
}

// Notify fires whenever an input is staged. It never blocks senders.
func (p *MemPool) Notify() <-chan struct{} {
	return p.notify
}

func (p *MemPool) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Ingest validates tx against the mem-block and stages it. A transaction
// whose nonce is ahead of its sender is held until the gap closes or its
// expiry passes, and is reported as HeldPending.
func (p *MemPool) Ingest(ctx context.Context, tx *l2types.Transaction) (IngestStatus, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	config := p.config()
	input := newStagedInput(tx)
	if input.size > config.MaxTxSize {
		return 0, ErrTxTooLarge
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, exists := p.known[input.hash]; exists {
		return 0, ErrAlreadyKnown
	}
	if tx.IsDeposit() {
		_, staged := p.stagedDeposits[tx.DepositID]
		if staged || p.committedDeposits.Contains(tx.DepositID) {
			return 0, ErrAlreadyKnown
		}
	} else if failure, held := p.nonceFailures.Peek(addressAndNonce{tx.From, tx.Nonce}); held && failure.input.hash == input.hash {
		return 0, ErrAlreadyKnown
	}
	if len(p.staged) >= config.MaxStaged {
		return 0, ErrCapacity
	}

	_, err := p.gen.Apply(p.speculative, tx, generator.Env{}, 0)
	if verr, ok := generator.AsValidationError(err); ok {
		if verr.Code == generator.CodeNonceTooHigh {
			p.holdLocked(input, time.Now().Add(config.NonceFailureCacheExpiry))
			p.updateGaugesLocked()
			return HeldPending, nil
		}
		rejectedCounter.Inc(1)
		return 0, verr
	}
	if err != nil {
		return 0, err
	}
	p.appendLocked(input)
	if !tx.IsDeposit() {
		if err := p.reviveSuccessorsLocked(tx.From, tx.Nonce+1, config); err != nil {
			return 0, err
		}
	}
	p.updateGaugesLocked()
	p.signal()
	return Staged, nil
}

func (p *MemPool) holdLocked(input *stagedInput, expiry time.Time) {
	key := addressAndNonce{input.tx.From, input.tx.Nonce}
	if previous, exists := p.nonceFailures.Peek(key); exists {
		// the newer transaction replaces the one waiting with the same nonce
		previous.revived = true
	}
	p.nonceFailures.Add(key, &nonceFailure{
		input:  input,
		expiry: expiry,
	})
}

func (p *MemPool) appendLocked(input *stagedInput) {
	p.staged = append(p.staged, input)
	p.known[input.hash] = input
	if input.tx.IsDeposit() {
		p.stagedDeposits[input.tx.DepositID] = struct{}{}
	}
}

// reviveSuccessorsLocked stages held transactions of sender starting at nonce
// for as long as they form a contiguous run.
func (p *MemPool) reviveSuccessorsLocked(sender common.Address, nonce uint64, config *Config) error {
	now := time.Now()
	for {
		key := addressAndNonce{sender, nonce}
		failure, exists := p.nonceFailures.Peek(key)
		if !exists {
			return nil
		}
		failure.revived = true
		p.nonceFailures.Remove(key)
		if now.After(failure.expiry) || len(p.staged) >= config.MaxStaged {
			droppedCounter.Inc(1)
			return nil
		}
		_, err := p.gen.Apply(p.speculative, failure.input.tx, generator.Env{}, 0)
		if _, ok := generator.AsValidationError(err); ok {
			log.Debug("dropping revived transaction", "tx", failure.input.hash, "err", err)
			droppedCounter.Inc(1)
			return nil
		}
		if err != nil {
			return err
		}
		p.appendLocked(failure.input)
		nonce++
	}
}

// rebuildLocked replaces the mem-block with inputs replayed on the confirmed
// root. Inputs that no longer apply are dropped, or held if only their nonce
// is ahead.
func (p *MemPool) rebuildLocked(inputs []*stagedInput) error {
	config := p.config()
	p.speculative.Release()
	p.speculative = p.gen.NewState(p.confirmedRoot)
	p.staged = make([]*stagedInput, 0, len(inputs))
	p.known = make(map[common.Hash]*stagedInput, len(inputs))
	p.stagedDeposits = make(map[common.Hash]struct{})
	expiry := time.Now().Add(config.NonceFailureCacheExpiry)
	for _, input := range inputs {
		_, err := p.gen.Apply(p.speculative, input.tx, generator.Env{}, 0)
		if verr, ok := generator.AsValidationError(err); ok {
			if verr.Code == generator.CodeNonceTooHigh {
				input.inFlight = false
				p.holdLocked(input, expiry)
			} else {
				log.Debug("dropping input invalidated by rebase", "tx", input.hash, "err", verr)
				droppedCounter.Inc(1)
			}
			continue
		}
		if errors.Is(err, generator.ErrDepositOverflow) {
			log.Warn("dropping deposit that no longer fits", "deposit", input.tx.DepositID, "err", err)
			droppedCounter.Inc(1)
			continue
		}
		if err != nil {
			return err
		}
		p.appendLocked(input)
	}

	senders := make(map[common.Address]struct{})
	for _, key := range p.nonceFailures.Keys() {
		senders[key.address] = struct{}{}
	}
	sorted := make([]common.Address, 0, len(senders))
	for sender := range senders {
		sorted = append(sorted, sender)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	for _, sender := range sorted {
		acct, err := p.speculative.Account(sender)
		if err != nil {
			return err
		}
		if err := p.reviveSuccessorsLocked(sender, acct.Nonce, config); err != nil {
			return err
		}
	}
	p.updateGaugesLocked()
	if len(p.staged) > 0 {
		p.signal()
	}
	return nil
}

// PullBatch selects up to maxCount inputs totalling at most maxBytes, and
// marks them in flight. Deposits come first, then transfers in arrival order,
// then withdrawals in arrival order. An input is only selected if every
// earlier input of its sender, and every earlier transfer crediting its
// sender, is selected too, so the batch executes exactly like the mem-block.
func (p *MemPool) PullBatch(maxCount int, maxBytes uint64) []*l2types.Transaction {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var selected []*stagedInput
	chosen := make(map[*stagedInput]bool)
	var total uint64
	full := false
	take := func(input *stagedInput) bool {
		if len(selected) >= maxCount || total+input.size > maxBytes {
			full = true
			return false
		}
		selected = append(selected, input)
		chosen[input] = true
		total += input.size
		return true
	}

	blocked := make(map[common.Address]bool)
	for _, input := range p.staged {
		if !input.tx.IsDeposit() {
			continue
		}
		if input.inFlight {
			blocked[input.tx.To] = true
			continue
		}
		if !take(input) {
			break
		}
	}

	// skipped transfers block their recipient as well, since later inputs of
	// the recipient may spend the credit
	scan := func(kind l2types.TxKind) {
		skipped := make(map[common.Address]bool, len(blocked))
		for addr := range blocked {
			skipped[addr] = true
		}
		for _, input := range p.staged {
			if full {
				return
			}
			tx := input.tx
			if tx.IsDeposit() || chosen[input] {
				continue
			}
			if tx.Kind == kind && !input.inFlight && !skipped[tx.From] && take(input) {
				continue
			}
			skipped[tx.From] = true
			if tx.Kind == l2types.TransferKind {
				skipped[tx.To] = true
			}
		}
	}
	if !full {
		scan(l2types.TransferKind)
	}
	if !full {
		scan(l2types.WithdrawalKind)
	}

	batch := make([]*l2types.Transaction, 0, len(selected))
	for _, input := range selected {
		input.inFlight = true
		batch = append(batch, input.tx)
	}
	p.updateGaugesLocked()
	return batch
}

// ReturnBatch makes inputs of a discarded candidate pullable again. They
// never left their place in the pool.
func (p *MemPool) ReturnBatch(txs []*l2types.Transaction) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, tx := range txs {
		if input, exists := p.known[tx.Hash()]; exists {
			input.inFlight = false
		}
	}
	p.updateGaugesLocked()
	if len(txs) > 0 {
		p.signal()
	}
}

// DropRejected removes inputs that failed deterministically and rebases the
// rest, which may in turn hold or drop their successors.
func (p *MemPool) DropRejected(txs []*l2types.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	drop := make(map[common.Hash]struct{}, len(txs))
	for _, tx := range txs {
		drop[tx.Hash()] = struct{}{}
	}
	remaining := make([]*stagedInput, 0, len(p.staged))
	for _, input := range p.staged {
		if _, dropped := drop[input.hash]; dropped {
			droppedCounter.Inc(1)
			continue
		}
		remaining = append(remaining, input)
	}
	return p.rebuildLocked(remaining)
}

// OnBlockCommitted prunes the block's inputs and rebases the mem-block on the
// block's post-state root.
func (p *MemPool) OnBlockCommitted(block *l2types.Block) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	included := make(map[common.Hash]struct{}, len(block.Inputs))
	for _, tx := range block.Inputs {
		included[tx.Hash()] = struct{}{}
		if tx.IsDeposit() {
			p.committedDeposits.Add(tx.DepositID, struct{}{})
		}
	}
	remaining := make([]*stagedInput, 0, len(p.staged))
	for _, input := range p.staged {
		if _, done := included[input.hash]; done {
			continue
		}
		input.inFlight = false
		remaining = append(remaining, input)
	}
	p.confirmedRoot = block.Header.PostStateRoot
	return p.rebuildLocked(remaining)
}

// RememberCommitted records the deposits of an already confirmed block so
// they are refused if the base chain is scanned again, as after a restart.
func (p *MemPool) RememberCommitted(block *l2types.Block) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, tx := range block.Inputs {
		if tx.IsDeposit() {
			p.committedDeposits.Add(tx.DepositID, struct{}{})
		}
	}
}

// OnReorg discards the mem-block and rebuilds it from newRoot. The inputs of
// rolled back and discarded blocks are staged ahead of everything that was
// already waiting. Deposits observed above baseHeight no longer exist on the
// base chain and are dropped.
func (p *MemPool) OnReorg(newRoot common.Hash, restage []*l2types.Transaction, baseHeight uint64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	seen := make(map[common.Hash]struct{})
	inputs := make([]*stagedInput, 0, len(restage)+len(p.staged))
	add := func(input *stagedInput) {
		if _, dup := seen[input.hash]; dup {
			return
		}
		seen[input.hash] = struct{}{}
		if input.tx.IsDeposit() {
			p.committedDeposits.Remove(input.tx.DepositID)
			if input.tx.BaseHeight > baseHeight {
				log.Info("dropping deposit from abandoned base chain block", "deposit", input.tx.DepositID, "height", input.tx.BaseHeight)
				droppedCounter.Inc(1)
				return
			}
		}
		input.inFlight = false
		inputs = append(inputs, input)
	}
	for _, tx := range restage {
		if existing, ok := p.known[tx.Hash()]; ok {
			add(existing)
		} else {
			add(newStagedInput(tx))
		}
	}
	for _, input := range p.staged {
		add(input)
	}
	p.confirmedRoot = newRoot
	p.reorgs++
	return p.rebuildLocked(inputs)
}

// Reorgs counts the reorgs the pool was rebased for.
func (p *MemPool) Reorgs() uint64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.reorgs
}

// MemBlock computes the speculative root and returns the current view. The
// speculative root stays readable until the pool next changes.
func (p *MemPool) MemBlock() (*MemBlock, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	root, err := p.speculative.Root()
	if err != nil {
		return nil, err
	}
	inputs := make([]*l2types.Transaction, len(p.staged))
	for i, input := range p.staged {
		inputs[i] = input.tx
	}
	return &MemBlock{
		BaseRoot:        p.confirmedRoot,
		SpeculativeRoot: root,
		Inputs:          inputs,
	}, nil
}

// ExecuteReadOnly dry-runs tx on top of the staged inputs.
func (p *MemPool) ExecuteReadOnly(ctx context.Context, tx *l2types.Transaction) (*l2types.WithdrawalRecord, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	root, err := p.speculative.Root()
	if err != nil {
		return nil, err
	}
	return p.gen.ExecuteReadOnly(ctx, root, tx)
}

// SpeculativeAccount reads addr from the mem-block.
func (p *MemPool) SpeculativeAccount(addr common.Address) (*l2types.Account, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.speculative.Account(addr)
}

func (p *MemPool) GetNonce(addr common.Address) (uint64, error) {
	acct, err := p.SpeculativeAccount(addr)
	if err != nil {
		return 0, err
	}
	return acct.Nonce, nil
}

func (p *MemPool) GetBalance(addr common.Address) (*uint256.Int, error) {
	acct, err := p.SpeculativeAccount(addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

func (p *MemPool) ConfirmedRoot() common.Hash {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.confirmedRoot
}

// Has reports whether the pool knows hash, staged or held.
func (p *MemPool) Has(hash common.Hash) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if _, exists := p.known[hash]; exists {
		return true
	}
	for _, key := range p.nonceFailures.Keys() {
		if failure, ok := p.nonceFailures.Peek(key); ok && failure.input.hash == hash {
			return true
		}
	}
	return false
}

type Stats struct {
	Staged   int
	Pending  int
	InFlight int
}

func (p *MemPool) Stats() Stats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	stats := Stats{
		Staged:  len(p.staged),
		Pending: p.nonceFailures.Len(),
	}
	for _, input := range p.staged {
		if input.inFlight {
			stats.InFlight++
		}
	}
	return stats
}
