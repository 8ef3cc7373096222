// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package producer drives block production: it pulls batches from the
// mempool, executes them on the confirmed state, submits the resulting
// commitment to the base chain and confirms it once it is buried deep enough.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/optirollup/sequencer/chain"
	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/mempool"
	"github.com/optirollup/sequencer/producer/redislock"
	"github.com/optirollup/sequencer/settlement"
	"github.com/optirollup/sequencer/statedb"
	"github.com/optirollup/sequencer/util"
	"github.com/optirollup/sequencer/util/stopwaiter"
)

var (
	blockCreationTimer  = metrics.NewRegisteredTimer("sequencer/producer/block/creation", nil)
	submittedCounter    = metrics.NewRegisteredCounter("sequencer/producer/block/submitted", nil)
	confirmedCounter    = metrics.NewRegisteredCounter("sequencer/producer/block/confirmed", nil)
	rejectedCounter     = metrics.NewRegisteredCounter("sequencer/producer/block/rejected", nil)
	droppedInputCounter = metrics.NewRegisteredCounter("sequencer/producer/inputs/dropped", nil)
	reorgCounter        = metrics.NewRegisteredCounter("sequencer/producer/reorgs", nil)
	stateGauge          = metrics.NewRegisteredGauge("sequencer/producer/state", nil)
)

var (
	ErrConfirmationTimeout = errors.New("block not confirmed in time")
	ErrHalted              = errors.New("producer halted")
)

// candidate is the single block waiting for confirmation.
type candidate struct {
	block       *l2types.Block
	id          settlement.SubmissionID
	submittedAt time.Time
}

type Producer struct {
	stopwaiter.StopWaiter
	config           ConfigFetcher
	commitmentConfig settlement.ConfigFetcher

	gen       *generator.Generator
	pool      *mempool.MemPool
	chain     *chain.Chain
	submitter settlement.Submitter
	lease     *redislock.Lease
	reorgs    <-chan *chain.ReorgEvent

	statusErrHandler *util.EphemeralErrorHandler

	// fsm is only driven from the production thread; mutex guards the
	// fields read from outside it.
	fsm           *util.Fsm[event, State]
	mutex         sync.Mutex
	state         State
	candidate     *candidate
	haltErr       error
	pendingReorgs []*chain.ReorgEvent
	lastConfirmed time.Time
}

// New creates a producer. A nil lease means this node always produces.
func New(
	gen *generator.Generator,
	pool *mempool.MemPool,
	c *chain.Chain,
	submitter settlement.Submitter,
	lease *redislock.Lease,
	config ConfigFetcher,
	commitmentConfig settlement.ConfigFetcher,
) (*Producer, error) {
	if err := config().Validate(); err != nil {
		return nil, err
	}
	p := &Producer{
		config:           config,
		commitmentConfig: commitmentConfig,
		gen:              gen,
		pool:             pool,
		chain:            c,
		submitter:        submitter,
		lease:            lease,
		reorgs:           c.Subscribe(),
		statusErrHandler: util.NewEphemeralErrorHandler(time.Minute, "", 0),
		lastConfirmed:    time.Now(),
	}
	fsm, err := newStateMachine(util.WithTransitionHook(p.onTransition))
	if err != nil {
		return nil, err
	}
	p.fsm = fsm
	return p, nil
}

func (p *Producer) onTransition(from State, to State, ev event) {
	p.mutex.Lock()
	p.state = to
	p.mutex.Unlock()
	stateGauge.Update(int64(to))
	log.Trace("Producer: transition", "from", from, "to", to, "event", ev)
}

// do applies ev. Any failure is a programming error, so the producer halts.
func (p *Producer) do(ev event) {
	if err := p.fsm.Do(ev); err != nil {
		p.halt(fmt.Errorf("producer state machine: %w", err))
	}
}

func (p *Producer) halt(err error) {
	p.mutex.Lock()
	if p.haltErr != nil {
		p.mutex.Unlock()
		return
	}
	p.haltErr = fmt.Errorf("%w: %w", ErrHalted, err)
	p.mutex.Unlock()
	log.Error("Producer: halting", "err", err)
	if p.fsm.Current().State != Halted {
		_ = p.fsm.Do(evHalt)
	}
}

func (p *Producer) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// Err returns the error the producer halted on, if any.
func (p *Producer) Err() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.haltErr
}

// Candidate returns the block awaiting confirmation, or nil.
func (p *Producer) Candidate() *l2types.Block {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.candidate == nil {
		return nil
	}
	return p.candidate.block
}

func (p *Producer) Start(ctxIn context.Context) {
	p.StopWaiter.Start(ctxIn, p)
	trigger := make(chan struct{}, 1)
	p.LaunchThread(func(ctx context.Context) {
		p.forwardTriggers(ctx, trigger)
	})
	err := stopwaiter.CallIterativelyWith[struct{}](&p.StopWaiterSafe, p.step, trigger)
	if err != nil {
		panic(err)
	}
}

// forwardTriggers turns pool notifications and reorgs into production
// attempts, so production does not have to wait for the next interval.
func (p *Producer) forwardTriggers(ctx context.Context, trigger chan<- struct{}) {
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.reorgs:
			p.mutex.Lock()
			p.pendingReorgs = append(p.pendingReorgs, ev)
			p.mutex.Unlock()
			poke()
		case <-p.pool.Notify():
			timer := time.NewTimer(p.config().Debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			poke()
		}
	}
}

func (p *Producer) step(ctx context.Context, _ struct{}) time.Duration {
	config := p.config()
	if p.Err() != nil {
		return time.Minute
	}
	p.handleReorgs()
	if p.Err() != nil {
		return time.Minute
	}
	switch p.fsm.Current().State {
	case Idle:
		return p.produce(ctx, config)
	case AwaitingConfirmation:
		return p.awaitConfirmation(ctx, config)
	default:
		p.halt(fmt.Errorf("production step in unexpected state %v", p.fsm.Current().State))
		return time.Minute
	}
}

func (p *Producer) handleReorgs() {
	p.mutex.Lock()
	events := p.pendingReorgs
	p.pendingReorgs = nil
	p.mutex.Unlock()
	for {
		select {
		case ev := <-p.reorgs:
			events = append(events, ev)
			continue
		default:
		}
		break
	}
	for _, ev := range events {
		if err := p.onReorg(ev); err != nil {
			p.halt(err)
			return
		}
	}
}

// onReorg discards the candidate and hands every input of the rolled back
// blocks back to the pool, rebased on the rolled back tip.
func (p *Producer) onReorg(ev *chain.ReorgEvent) error {
	reorgCounter.Inc(1)
	var restage []*l2types.Transaction
	for _, block := range ev.RolledBack {
		restage = append(restage, block.Inputs...)
	}
	p.mutex.Lock()
	c := p.candidate
	p.candidate = nil
	p.mutex.Unlock()
	if c != nil {
		p.submitter.Supersede(c.id)
		p.releaseState(c.block)
		restage = append(restage, c.block.Inputs...)
		rejectedCounter.Inc(1)
		p.do(evRejected)
		p.do(evReset)
	}
	log.Warn("Producer: base chain reorg", "ancestor", ev.AncestorHeight, "rolledBack", len(ev.RolledBack), "candidate", c != nil, "restaged", len(restage))
	return p.pool.OnReorg(ev.NewStatus.StateRoot, restage, ev.AncestorHeight)
}

func (p *Producer) emptyBlockDue(config *Config) bool {
	return config.EmptyBlockInterval > 0 && time.Since(p.lastConfirmed) >= config.EmptyBlockInterval
}

func (p *Producer) produce(ctx context.Context, config *Config) time.Duration {
	if p.lease != nil && !p.lease.Acquire(ctx) {
		return config.BlockInterval
	}
	start := time.Now()
	p.do(evStart)
	batch := p.pool.PullBatch(config.MaxBatchCount, config.MaxBatchBytes)
	if len(batch) == 0 && !p.emptyBlockDue(config) {
		p.do(evAbandon)
		return config.BlockInterval
	}
	p.do(evPulled)

	status := p.chain.Status()
	env := generator.Env{BlockNumber: status.BlockNumber + 1, Producer: config.Producer()}
	result, err := p.gen.Execute(ctx, status.StateRoot, batch, env)
	if err != nil {
		if errors.Is(err, statedb.ErrStateCorruption) {
			p.halt(err)
			return time.Minute
		}
		p.pool.ReturnBatch(batch)
		var inputErr *generator.InputError
		if errors.As(err, &inputErr) && errors.Is(err, generator.ErrDepositOverflow) {
			log.Warn("Producer: dropping deposit that overflows its beneficiary", "deposit", inputErr.Tx.DepositID, "to", inputErr.Tx.To, "err", err)
			droppedInputCounter.Inc(1)
			if err := p.pool.DropRejected([]*l2types.Transaction{inputErr.Tx}); err != nil {
				p.halt(err)
				return time.Minute
			}
			p.do(evAbandon)
			return 0
		}
		log.Warn("Producer: execution aborted", "err", err)
		p.do(evAbandon)
		return config.BlockInterval
	}
	if err := p.settleRejections(result); err != nil {
		p.halt(err)
		return time.Minute
	}
	if len(result.Accepted) == 0 && !p.emptyBlockDue(config) {
		p.do(evAbandon)
		return config.BlockInterval
	}
	p.do(evExecuted)

	block := l2types.AssembleBlock(&l2types.BlockAssembly{
		Number:        status.BlockNumber + 1,
		Parent:        status.BlockHash,
		Producer:      config.Producer(),
		Timestamp:     uint64(time.Now().Unix()),
		PrevStateRoot: status.StateRoot,
		PostStateRoot: result.PostRoot,
		Inputs:        result.Accepted,
		Receipts:      result.Receipts,
		Withdrawals:   result.Withdrawals,
	})
	parent, err := p.chain.GetCheckpoint(status.BlockNumber)
	if err != nil {
		p.halt(fmt.Errorf("reading checkpoint of block %d: %w", status.BlockNumber, err))
		return time.Minute
	}
	commitment, err := settlement.NewCommitment(block, parent, p.commitmentConfig())
	if err != nil {
		log.Error("Producer: building commitment failed", "number", block.Number(), "inputs", len(block.Inputs), "err", err)
		p.reject(block, err)
		return config.BlockInterval
	}
	p.do(evAssembled)

	id, err := p.submitter.Submit(ctx, commitment)
	if err != nil {
		log.Warn("Producer: submission failed", "number", block.Number(), "err", err)
		p.reject(block, err)
		return config.BlockInterval
	}
	p.mutex.Lock()
	p.candidate = &candidate{block: block, id: id, submittedAt: time.Now()}
	p.mutex.Unlock()
	p.do(evSubmitted)
	submittedCounter.Inc(1)
	blockCreationTimer.UpdateSince(start)
	log.Info("Producer: block submitted", "number", block.Number(), "hash", block.Hash(), "inputs", len(block.Inputs), "postRoot", block.Header.PostStateRoot, "submission", id)
	return config.StatusPollInterval
}

// settleRejections drops inputs that can never succeed and hands the others
// back to the pool for a later batch.
func (p *Producer) settleRejections(result *generator.Result) error {
	var permanent, transient []*l2types.Transaction
	for _, rejection := range result.Rejections {
		if rejection.Err.Permanent() {
			permanent = append(permanent, rejection.Tx)
		} else {
			transient = append(transient, rejection.Tx)
		}
		log.Debug("Producer: input rejected", "hash", rejection.Tx.Hash(), "err", rejection.Err)
	}
	p.pool.ReturnBatch(transient)
	if len(permanent) == 0 {
		return nil
	}
	droppedInputCounter.Inc(int64(len(permanent)))
	return p.pool.DropRejected(permanent)
}

// reject discards block and returns its inputs to the pool.
func (p *Producer) reject(block *l2types.Block, reason error) {
	rejectedCounter.Inc(1)
	p.releaseState(block)
	p.pool.ReturnBatch(block.Inputs)
	p.do(evRejected)
	p.do(evReset)
	log.Info("Producer: block rejected", "number", block.Number(), "hash", block.Hash(), "reason", reason)
}

// releaseState gives up the post-state of a block that will not be committed.
func (p *Producer) releaseState(block *l2types.Block) {
	if block.Header.PostStateRoot != block.Header.PrevStateRoot {
		statedb.Release(p.gen.Store(), block.Header.PostStateRoot)
	}
}

func (p *Producer) awaitConfirmation(ctx context.Context, config *Config) time.Duration {
	p.mutex.Lock()
	c := p.candidate
	p.mutex.Unlock()
	status, err := p.submitter.Status(ctx, c.id)
	if err != nil {
		p.statusErrHandler.LogLevel(err, log.Error)("Producer: reading submission status failed", "submission", c.id, "err", err)
		return config.StatusPollInterval
	}
	p.statusErrHandler.Reset()
	switch status.State {
	case settlement.SubmissionPending:
		if time.Since(c.submittedAt) > config.ConfirmationTimeout {
			p.submitter.Supersede(c.id)
			p.dropCandidate(c, ErrConfirmationTimeout)
			return 0
		}
		return config.StatusPollInterval
	case settlement.SubmissionFailed, settlement.SubmissionSuperseded:
		p.dropCandidate(c, fmt.Errorf("submission %v: %v %s", c.id, status.State, status.Reason))
		return 0
	}

	if p.chain.Status().BaseHeight < status.BaseHeight+config.ConfirmationDepth {
		return config.StatusPollInterval
	}
	err = p.chain.CommitBlock(c.block, chain.Inclusion{BaseHeight: status.BaseHeight, BaseHash: status.BaseHash})
	if errors.Is(err, chain.ErrInclusionNotCanonical) {
		// the reorg is about to be reported
		log.Info("Producer: inclusion no longer canonical", "number", c.block.Number(), "baseHeight", status.BaseHeight)
		return config.StatusPollInterval
	}
	if errors.Is(err, chain.ErrNotSuccessor) {
		p.submitter.Supersede(c.id)
		p.dropCandidate(c, err)
		return 0
	}
	if err != nil {
		p.halt(err)
		return time.Minute
	}
	if err := p.pool.OnBlockCommitted(c.block); err != nil {
		p.halt(err)
		return time.Minute
	}
	p.mutex.Lock()
	p.candidate = nil
	p.lastConfirmed = time.Now()
	p.mutex.Unlock()
	confirmedCounter.Inc(1)
	p.do(evConfirmed)
	p.do(evReset)
	return config.BlockInterval
}

func (p *Producer) dropCandidate(c *candidate, reason error) {
	p.mutex.Lock()
	p.candidate = nil
	p.mutex.Unlock()
	p.reject(c.block, reason)
}
