// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/basechain"
	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/statedb"
	"github.com/optirollup/sequencer/util/testhelpers"
)

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

func Fail(t *testing.T, printables ...interface{}) {
	t.Helper()
	testhelpers.FailImpl(t, printables...)
}

type chainTest struct {
	t     *testing.T
	db    ethdb.Database
	store *statedb.TrieStore
	gen   *generator.Generator
	sim   *basechain.SimulatedChain
	chain *Chain
	x     *testhelpers.TestAccount
}

func newChainTest(t *testing.T) *chainTest {
	t.Helper()
	db := rawdb.NewMemoryDatabase()
	store := statedb.NewTrieStore(db)
	sim := basechain.NewSimulatedChain(0)
	x := testhelpers.NewTestAccount(t, "x")
	c := New(store, statedb.NewBlockStore(db), sim, func() *Config { return &TestConfig })
	Require(t, c.Initialize(GenesisAlloc{x.Address: uint256.NewInt(100)}))
	return &chainTest{
		t:     t,
		db:    db,
		store: store,
		gen:   generator.New(store, &generator.TestConfig),
		sim:   sim,
		chain: c,
		x:     x,
	}
}

// nextBlock builds a block on the current tip moving amount from x to a
// random address.
func (ct *chainTest) nextBlock(amount uint64) *l2types.Block {
	ct.t.Helper()
	status := ct.chain.Status()
	acct, err := statedb.GetAccount(ct.store, status.StateRoot, ct.x.Address)
	Require(ct.t, err)
	tx := l2types.NewTransfer(ct.x.Address, acct.Nonce, testhelpers.RandomAddress(), uint256.NewInt(amount), nil)
	Require(ct.t, tx.Sign(ct.x.Key, generator.TestConfig.ChainID))
	res, err := ct.gen.Execute(context.Background(), status.StateRoot, []*l2types.Transaction{tx}, generator.Env{BlockNumber: status.BlockNumber + 1})
	Require(ct.t, err)
	require.Empty(ct.t, res.Rejections)
	return l2types.AssembleBlock(&l2types.BlockAssembly{
		Number:        status.BlockNumber + 1,
		Parent:        status.BlockHash,
		PrevStateRoot: status.StateRoot,
		PostStateRoot: res.PostRoot,
		Inputs:        res.Accepted,
		Receipts:      res.Receipts,
		Withdrawals:   res.Withdrawals,
	})
}

func (ct *chainTest) inclusionAt(height uint64) Inclusion {
	ct.t.Helper()
	header, err := ct.sim.HeaderByNumber(context.Background(), new(big.Int).SetUint64(height))
	Require(ct.t, err)
	return Inclusion{BaseHeight: height, BaseHash: header.Hash()}
}

func (ct *chainTest) processHead() *ReorgEvent {
	ct.t.Helper()
	event, err := ct.chain.ProcessBaseHeader(context.Background(), ct.sim.Head())
	Require(ct.t, err)
	return event
}

func TestGenesisAndResume(t *testing.T) {
	ct := newChainTest(t)
	status := ct.chain.Status()
	require.Equal(t, uint64(0), status.BlockNumber)
	acct, err := statedb.GetAccount(ct.store, status.StateRoot, ct.x.Address)
	Require(t, err)
	require.Equal(t, uint64(100), acct.Balance.Uint64())

	genesis, err := ct.chain.Tip()
	Require(t, err)
	require.Equal(t, status.BlockHash, genesis.Hash())

	ct.sim.Mine(1)
	ct.processHead()
	block := ct.nextBlock(10)
	Require(t, ct.chain.CommitBlock(block, ct.inclusionAt(1)))

	resumed := New(statedb.NewTrieStore(ct.db), statedb.NewBlockStore(ct.db), ct.sim, func() *Config { return &TestConfig })
	Require(t, resumed.Initialize(nil))
	require.Equal(t, ct.chain.Status(), resumed.Status())
	require.Equal(t, block.Hash(), resumed.TipBlockHash())
}

func TestCommitBlock(t *testing.T) {
	ct := newChainTest(t)
	ct.sim.Mine(2)
	ct.processHead()

	first := ct.nextBlock(10)
	Require(t, ct.chain.CommitBlock(first, ct.inclusionAt(1)))
	status := ct.chain.Status()
	require.Equal(t, uint64(1), status.BlockNumber)
	require.Equal(t, first.Hash(), status.BlockHash)
	require.Equal(t, first.Header.PostStateRoot, status.StateRoot)

	byHash, err := ct.chain.GetBlockByHash(first.Hash())
	Require(t, err)
	require.Equal(t, first.Hash(), byHash.Hash())
	hash, err := ct.chain.BlockHashByNumber(1)
	Require(t, err)
	require.Equal(t, first.Hash(), hash)
	checkpoint, err := ct.chain.GetCheckpoint(1)
	Require(t, err)
	require.Equal(t, uint64(1), checkpoint.BaseHeight)
	require.Equal(t, first.Header.PostStateRoot, checkpoint.PostStateRoot)

	// a block not on top of the tip is refused
	err = ct.chain.CommitBlock(first, ct.inclusionAt(2))
	require.ErrorIs(t, err, ErrNotSuccessor)

	second := ct.nextBlock(5)
	err = ct.chain.CommitBlock(second, Inclusion{BaseHeight: 2, BaseHash: testhelpers.RandomHash()})
	require.ErrorIs(t, err, ErrInclusionNotCanonical)
	Require(t, ct.chain.CommitBlock(second, ct.inclusionAt(2)))

	_, err = ct.chain.GetBlockByNumber(3)
	require.ErrorIs(t, err, statedb.ErrNotFound)
}

func TestBaseChainAnchoring(t *testing.T) {
	ct := newChainTest(t)
	ct.sim.Mine(3)
	require.Nil(t, ct.processHead())
	require.Equal(t, uint64(3), ct.chain.Status().BaseHeight)
	require.Equal(t, ct.sim.Head().Hash(), ct.chain.Status().BaseHash)

	// the same head again is a no-op
	version := ct.chain.Status().Version
	require.Nil(t, ct.processHead())
	require.Equal(t, version, ct.chain.Status().Version)

	// skipped heights are filled in
	ct.sim.Mine(4)
	require.Nil(t, ct.processHead())
	require.Equal(t, uint64(7), ct.chain.Status().BaseHeight)
}

func TestReorgRollsBack(t *testing.T) {
	ct := newChainTest(t)
	reorgs := ct.chain.Subscribe()
	ct.sim.Mine(3)
	ct.processHead()

	first := ct.nextBlock(10)
	Require(t, ct.chain.CommitBlock(first, ct.inclusionAt(1)))
	second := ct.nextBlock(20)
	Require(t, ct.chain.CommitBlock(second, ct.inclusionAt(2)))
	third := ct.nextBlock(30)
	Require(t, ct.chain.CommitBlock(third, ct.inclusionAt(3)))

	ct.sim.Reorg(2, 3)
	event := ct.processHead()
	if event == nil {
		Fail(t, "reorg not detected")
	}
	require.Equal(t, uint64(1), event.AncestorHeight)
	require.Len(t, event.RolledBack, 2)
	require.Equal(t, second.Hash(), event.RolledBack[0].Hash())
	require.Equal(t, third.Hash(), event.RolledBack[1].Hash())
	require.Equal(t, uint64(1), event.NewStatus.BlockNumber)
	require.Equal(t, first.Header.PostStateRoot, event.NewStatus.StateRoot)

	status := ct.chain.Status()
	require.Equal(t, uint64(1), status.BlockNumber)
	require.Equal(t, first.Hash(), status.BlockHash)
	require.Equal(t, uint64(4), status.BaseHeight)
	require.Equal(t, ct.sim.Head().Hash(), status.BaseHash)

	_, err := ct.chain.GetBlockByHash(second.Hash())
	require.ErrorIs(t, err, statedb.ErrNotFound)
	_, err = ct.chain.GetBlockByNumber(2)
	require.ErrorIs(t, err, statedb.ErrNotFound)

	select {
	case published := <-reorgs:
		require.Equal(t, event, published)
	case <-time.After(time.Second):
		Fail(t, "reorg event not published")
	}

	// production continues on the surviving tip
	replacement := ct.nextBlock(1)
	require.Equal(t, first.Hash(), replacement.Header.ParentHash)
	Require(t, ct.chain.CommitBlock(replacement, ct.inclusionAt(4)))
}

func TestReorgOfAnchoredHeight(t *testing.T) {
	ct := newChainTest(t)
	ct.sim.Mine(2)
	ct.processHead()
	block := ct.nextBlock(10)
	Require(t, ct.chain.CommitBlock(block, ct.inclusionAt(2)))

	// same height, different block
	ct.sim.Reorg(1, 1)
	event := ct.processHead()
	if event == nil {
		Fail(t, "reorg not detected")
	}
	require.Equal(t, uint64(1), event.AncestorHeight)
	require.Equal(t, []common.Hash{block.Hash()}, []common.Hash{event.RolledBack[0].Hash()})
	require.Equal(t, uint64(0), ct.chain.Status().BlockNumber)
}

func TestCommitRefusesUnanchoredInclusion(t *testing.T) {
	ct := newChainTest(t)
	ct.sim.Mine(3)
	ct.processHead()
	first := ct.nextBlock(10)
	Require(t, ct.chain.CommitBlock(first, ct.inclusionAt(1)))

	// included at height 3, then the base chain replaces heights 2 and 3
	orphaned := ct.inclusionAt(3)
	block := ct.nextBlock(5)
	ct.sim.Reorg(2, 1)
	event := ct.processHead()
	if event == nil {
		Fail(t, "reorg not detected")
	}
	require.Equal(t, uint64(1), event.AncestorHeight)
	require.Empty(t, event.RolledBack)
	require.Less(t, ct.chain.Status().BaseHeight, orphaned.BaseHeight)

	err := ct.chain.CommitBlock(block, orphaned)
	require.ErrorIs(t, err, ErrInclusionNotCanonical)
	require.Equal(t, first.Hash(), ct.chain.TipBlockHash())

	// once the new branch is anchored past it the orphaned hash still mismatches
	ct.sim.Mine(3)
	require.Nil(t, ct.processHead())
	require.GreaterOrEqual(t, ct.chain.Status().BaseHeight, orphaned.BaseHeight)
	err = ct.chain.CommitBlock(block, orphaned)
	require.ErrorIs(t, err, ErrInclusionNotCanonical)
	Require(t, ct.chain.CommitBlock(block, ct.inclusionAt(3)))
	require.Equal(t, block.Hash(), ct.chain.TipBlockHash())

	// an inclusion above the anchor is refused until the anchor reaches it
	next := ct.nextBlock(1)
	above := Inclusion{BaseHeight: ct.chain.Status().BaseHeight + 1, BaseHash: testhelpers.RandomHash()}
	err = ct.chain.CommitBlock(next, above)
	require.ErrorIs(t, err, ErrInclusionNotCanonical)
}
