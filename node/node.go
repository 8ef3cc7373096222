// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package node wires the sequencer components together.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"

	"github.com/optirollup/sequencer/basechain"
	"github.com/optirollup/sequencer/chain"
	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/mempool"
	"github.com/optirollup/sequencer/producer"
	"github.com/optirollup/sequencer/producer/redislock"
	"github.com/optirollup/sequencer/settlement"
	"github.com/optirollup/sequencer/statedb"
	"github.com/optirollup/sequencer/util/readymarker"
	"github.com/optirollup/sequencer/util/redisutil"
	"github.com/optirollup/sequencer/util/stopwaiter"
)

type Node struct {
	stopwaiter.StopWaiter
	config ConfigFetcher

	DB        ethdb.Database
	State     *statedb.TrieStore
	Blocks    *statedb.BlockStore
	Generator *generator.Generator
	MemPool   *mempool.MemPool
	Chain     *chain.Chain
	Reader    *basechain.Reader
	Deposits  basechain.DepositSource
	Submitter settlement.Submitter
	Lease     *redislock.Lease
	Producer  *producer.Producer

	// only touched by the follower thread
	depositHeight uint64
	reorgsSeen    uint64
	synced        readymarker.ReadyMarker
}

// CreateNode opens the chain stored in db, writing genesis if it is empty.
// The producer only runs if enabled, and only holds the production lease
// once the node followed the base chain head at least once.
func CreateNode(
	db ethdb.Database,
	client basechain.Client,
	deposits basechain.DepositSource,
	submitter settlement.Submitter,
	config ConfigFetcher,
) (*Node, error) {
	cfg := config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	alloc, err := chain.ParseGenesisAlloc(cfg.Chain.GenesisAlloc)
	if err != nil {
		return nil, err
	}
	n := &Node{
		config:    config,
		DB:        db,
		State:     statedb.NewTrieStore(db),
		Blocks:    statedb.NewBlockStore(db),
		Deposits:  deposits,
		Submitter: submitter,
		synced:    readymarker.NewReadyMarker(),
	}
	n.Generator = generator.New(n.State, &cfg.Generator)
	n.Chain = chain.New(n.State, n.Blocks, client, func() *chain.Config { return &config().Chain })
	if err := n.Chain.Initialize(alloc); err != nil {
		return nil, fmt.Errorf("initializing chain: %w", err)
	}
	n.MemPool = mempool.New(n.Generator, n.Chain.Status().StateRoot, func() *mempool.Config { return &config().MemPool })
	n.Reader = basechain.NewReader(client, cfg.BaseChain)
	if err := n.recoverDeposits(); err != nil {
		return nil, err
	}
	n.reorgsSeen = n.MemPool.Reorgs()

	if !cfg.Producer.Enable {
		return n, nil
	}
	if submitter == nil {
		return nil, errors.New("producer enabled without a submitter")
	}
	if cfg.Producer.RedisURL != "" {
		redisClient, err := redisutil.RedisClientFromURL(cfg.Producer.RedisURL)
		if err != nil {
			return nil, err
		}
		n.Lease, err = redislock.New(redisClient, func() *redislock.Config { return &config().Producer.Lease }, n.synced.Ready)
		if err != nil {
			return nil, err
		}
	}
	n.Producer, err = producer.New(
		n.Generator,
		n.MemPool,
		n.Chain,
		submitter,
		n.Lease,
		func() *producer.Config { return &config().Producer },
		func() *settlement.Config { return &config().Settlement },
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// recoverDeposits remembers the deposits of recent blocks and picks the base
// height deposits are scanned from, so a restart neither loses nor repeats
// deposits that were observed within the reorg window.
func (n *Node) recoverDeposits() error {
	config := n.config()
	status := n.Chain.Status()
	n.depositHeight = config.Chain.GenesisBaseHeight
	number := status.BlockNumber
	for ; number > 0 && status.BlockNumber-number < config.Chain.MaxReorgDepth; number-- {
		block, err := n.Chain.GetBlockByNumber(number)
		if err != nil {
			return err
		}
		n.MemPool.RememberCommitted(block)
	}
	if number > 0 {
		checkpoint, err := n.Chain.GetCheckpoint(number)
		if err != nil {
			return err
		}
		n.depositHeight = checkpoint.BaseHeight
	}
	return nil
}

func (n *Node) Start(ctx context.Context) error {
	n.StopWaiter.Start(ctx, n)
	if n.config().BaseChain.Enable {
		n.Reader.Start(ctx)
	}
	n.MemPool.Start(ctx)
	heads, unsubscribe := n.Reader.Subscribe()
	err := stopwaiter.CallIterativelyWith[*types.Header](&n.StopWaiterSafe, n.follow, heads)
	if err != nil {
		unsubscribe()
		return err
	}
	if n.Lease != nil {
		n.Lease.Start(ctx)
	}
	if n.Producer != nil {
		n.Producer.Start(ctx)
	}
	return nil
}

func (n *Node) StopAndWait() {
	if n.Producer != nil {
		n.Producer.StopAndWait()
	}
	if n.Lease != nil {
		n.Lease.StopAndWait()
	}
	n.StopWaiter.StopAndWait()
	n.MemPool.StopAndWait()
	if n.Reader.Started() {
		n.Reader.StopAndWait()
	}
}

// Synced reports whether the base chain head was followed at least once.
func (n *Node) Synced() bool {
	return n.synced.Ready()
}

func (n *Node) WaitSynced(ctx context.Context) error {
	return n.synced.WaitReady(ctx)
}

// follow anchors the chain to head and ingests the deposits of every base
// chain block up to it. A nil head means nothing was announced, so the head
// is looked up.
func (n *Node) follow(ctx context.Context, head *types.Header) time.Duration {
	interval := n.config().FollowInterval
	if head == nil {
		var err error
		head, err = n.Reader.LastHeader(ctx)
		if err != nil {
			log.Warn("Node: reading base chain head failed", "err", err)
			return interval
		}
	}
	event, err := n.Chain.ProcessBaseHeader(ctx, head)
	if err != nil {
		log.Error("Node: following base chain failed", "head", head.Number, "err", err)
		return interval
	}
	if !n.synced.Ready() {
		n.synced.SignalReady(nil)
	}
	if event != nil {
		n.reorgsSeen++
		if n.depositHeight > event.AncestorHeight {
			n.depositHeight = event.AncestorHeight
		}
		if n.Producer == nil {
			if err := n.MemPool.OnReorg(event.NewStatus.StateRoot, rolledBackInputs(event), event.AncestorHeight); err != nil {
				log.Error("Node: rebasing mempool failed", "err", err)
			}
		}
	}
	if n.MemPool.Reorgs() < n.reorgsSeen {
		// the producer rebases the pool first, or it drops fresh deposits
		return interval
	}
	n.ingestDeposits(ctx, head.Number.Uint64())
	return interval
}

func rolledBackInputs(event *chain.ReorgEvent) []*l2types.Transaction {
	var inputs []*l2types.Transaction
	for _, block := range event.RolledBack {
		inputs = append(inputs, block.Inputs...)
	}
	return inputs
}

func (n *Node) ingestDeposits(ctx context.Context, head uint64) {
	if n.Deposits == nil {
		n.depositHeight = head
		return
	}
	for height := n.depositHeight + 1; height <= head; height++ {
		header, err := n.Reader.Client().HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			log.Warn("Node: reading base chain header failed", "height", height, "err", err)
			return
		}
		deposits, err := n.Deposits.DepositsAt(ctx, header)
		if err != nil {
			log.Warn("Node: reading deposits failed", "height", height, "err", err)
			return
		}
		for _, deposit := range deposits {
			_, err := n.MemPool.Ingest(ctx, deposit)
			if errors.Is(err, mempool.ErrAlreadyKnown) {
				continue
			}
			if err != nil {
				log.Warn("Node: ingesting deposit failed", "deposit", deposit.DepositID, "height", height, "err", err)
				return
			}
			log.Debug("Node: deposit ingested", "deposit", deposit.DepositID, "to", deposit.To, "amount", deposit.Amount)
		}
		n.depositHeight = height
	}
}
