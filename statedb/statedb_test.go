// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package statedb

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/l2types"
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

func accountWithBalance(t *testing.T, nonce uint64, balance uint64) []byte {
	acct := l2types.NewAccount()
	acct.Nonce = nonce
	acct.Balance = uint256.NewInt(balance)
	enc, err := acct.Encode()
	Require(t, err)
	return enc
}

func TestRootsAreImmutable(t *testing.T) {
	store := NewTrieStore(rawdb.NewMemoryDatabase())
	a, b := testhelpers.RandomAddress(), testhelpers.RandomAddress()

	root1, err := store.PutBatch(types.EmptyRootHash, []KV{{Key: a.Bytes(), Value: accountWithBalance(t, 0, 100)}})
	Require(t, err)
	root2, err := store.PutBatch(root1, []KV{
		{Key: a.Bytes(), Value: accountWithBalance(t, 1, 90)},
		{Key: b.Bytes(), Value: accountWithBalance(t, 0, 10)},
	})
	Require(t, err)
	if root1 == root2 {
		Fail(t, "roots should differ")
	}

	acct, err := GetAccount(store, root1, a)
	Require(t, err)
	require.Equal(t, uint64(100), acct.Balance.Uint64())
	acct, err = GetAccount(store, root1, b)
	Require(t, err)
	require.True(t, acct.Balance.IsZero())

	acct, err = GetAccount(store, root2, a)
	Require(t, err)
	require.Equal(t, uint64(1), acct.Nonce)
	require.Equal(t, uint64(90), acct.Balance.Uint64())

	// the same content always yields the same root
	other := NewTrieStore(rawdb.NewMemoryDatabase())
	again, err := other.PutBatch(types.EmptyRootHash, []KV{
		{Key: b.Bytes(), Value: accountWithBalance(t, 0, 10)},
		{Key: a.Bytes(), Value: accountWithBalance(t, 1, 90)},
	})
	Require(t, err)
	require.Equal(t, root2, again)

	// deleting restores the previous root
	back, err := store.PutBatch(root2, []KV{
		{Key: a.Bytes(), Value: accountWithBalance(t, 0, 100)},
		{Key: b.Bytes()},
	})
	Require(t, err)
	require.Equal(t, root1, back)
}

func TestMissingRootIsCorruption(t *testing.T) {
	store := NewTrieStore(rawdb.NewMemoryDatabase())
	_, err := store.Get(testhelpers.RandomHash(), testhelpers.RandomAddress().Bytes())
	if !errors.Is(err, ErrStateCorruption) {
		Fail(t, "expected state corruption, got", err)
	}
	_, err = store.PutBatch(testhelpers.RandomHash(), nil)
	if !errors.Is(err, ErrStateCorruption) {
		Fail(t, "expected state corruption, got", err)
	}
}

func TestCommitSurvivesReopen(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	store := NewTrieStore(db)
	addr := testhelpers.RandomAddress()
	root, err := store.PutBatch(types.EmptyRootHash, []KV{{Key: addr.Bytes(), Value: accountWithBalance(t, 3, 7)}})
	Require(t, err)
	Require(t, store.Commit(root))

	reopened := NewTrieStore(db)
	acct, err := GetAccount(reopened, root, addr)
	Require(t, err)
	require.Equal(t, uint64(3), acct.Nonce)
}

func TestProofs(t *testing.T) {
	store := NewTrieStore(rawdb.NewMemoryDatabase())
	present, absent := testhelpers.RandomAddress(), testhelpers.RandomAddress()

	emptyProof, err := store.Prove(types.EmptyRootHash, present.Bytes())
	Require(t, err)
	value, err := VerifyProof(emptyProof)
	Require(t, err)
	require.Nil(t, value)

	var kvs []KV
	for i := 0; i < 20; i++ {
		kvs = append(kvs, KV{Key: testhelpers.RandomAddress().Bytes(), Value: accountWithBalance(t, 0, uint64(i+1))})
	}
	kvs = append(kvs, KV{Key: present.Bytes(), Value: accountWithBalance(t, 2, 55)})
	root, err := store.PutBatch(types.EmptyRootHash, kvs)
	Require(t, err)

	acct, proof, err := ProveAccount(store, root, present)
	Require(t, err)
	require.Equal(t, uint64(55), acct.Balance.Uint64())
	value, err = VerifyProof(proof)
	Require(t, err)
	require.Equal(t, proof.Value, value)

	proof, err = store.Prove(root, absent.Bytes())
	Require(t, err)
	value, err = VerifyProof(proof)
	Require(t, err)
	require.Nil(t, value)

	proof.Root = testhelpers.RandomHash()
	if _, err := VerifyProof(proof); err == nil {
		Fail(t, "proof verified against the wrong root")
	}
}

func testBlock(number uint64, parent common.Hash) *l2types.Block {
	deposit := l2types.NewDeposit(testhelpers.RandomHash(), number, testhelpers.RandomAddress(), uint256.NewInt(number+1))
	return l2types.AssembleBlock(&l2types.BlockAssembly{
		Number:        number,
		Parent:        parent,
		PrevStateRoot: testhelpers.RandomHash(),
		PostStateRoot: testhelpers.RandomHash(),
		Inputs:        []*l2types.Transaction{deposit},
	})
}

func TestBlockStoreRollback(t *testing.T) {
	store := NewBlockStore(rawdb.NewMemoryDatabase())
	_, err := store.ReadStatus()
	require.ErrorIs(t, err, ErrNotFound)

	var blocks []*l2types.Block
	parent := common.Hash{}
	for i := uint64(1); i <= 5; i++ {
		block := testBlock(i, parent)
		parent = block.Hash()
		baseHash := testhelpers.RandomHash()
		Require(t, store.WriteBaseHash(100+i, baseHash))
		cp := l2types.NewCheckpoint(block.Header, 100+i, baseHash)
		status := &l2types.ChainStatus{Version: i, BlockNumber: i, BlockHash: block.Hash(), StateRoot: block.Header.PostStateRoot, BaseHeight: 100 + i, BaseHash: baseHash}
		Require(t, store.WriteConfirmed(block, cp, status))
		blocks = append(blocks, block)
	}
	status, err := store.ReadStatus()
	Require(t, err)
	require.Equal(t, uint64(5), status.BlockNumber)

	number, err := store.GetBlockNumber(blocks[2].Hash())
	Require(t, err)
	require.Equal(t, uint64(3), number)

	rolledBackStatus := &l2types.ChainStatus{Version: 6, BlockNumber: 2, BlockHash: blocks[1].Hash(), BaseHeight: 102}
	removed, err := store.RollbackTo(2, 102, rolledBackStatus)
	Require(t, err)
	require.Len(t, removed, 3)
	for i, block := range removed {
		require.Equal(t, blocks[i+2].Hash(), block.Hash())
	}
	_, err = store.GetBlock(3)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetCheckpoint(4)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBlockNumber(blocks[4].Hash())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetBaseHash(103)
	require.ErrorIs(t, err, ErrNotFound)
	cp, err := store.GetCheckpoint(2)
	Require(t, err)
	require.Equal(t, blocks[1].Hash(), cp.Hash)

	status, err = store.ReadStatus()
	Require(t, err)
	require.Equal(t, uint64(6), status.Version)
}

func TestReleasedRootsLeaveMemory(t *testing.T) {
	store := NewTrieStore(rawdb.NewMemoryDatabase())
	holder := testhelpers.RandomAddress()
	base, err := store.PutBatch(types.EmptyRootHash, []KV{{Key: holder.Bytes(), Value: accountWithBalance(t, 0, 100)}})
	Require(t, err)
	Require(t, store.Commit(base))
	idle := store.DirtySize()

	var roots []common.Hash
	var first common.Address
	for i := 0; i < 500; i++ {
		addr := testhelpers.RandomAddress()
		if i == 0 {
			first = addr
		}
		root, err := store.PutBatch(base, []KV{{Key: addr.Bytes(), Value: accountWithBalance(t, 0, uint64(i)+1)}})
		Require(t, err)
		roots = append(roots, root)
	}
	require.Greater(t, store.DirtySize(), idle)

	// a root written twice is referenced twice
	again, err := store.PutBatch(base, []KV{{Key: first.Bytes(), Value: accountWithBalance(t, 0, 1)}})
	Require(t, err)
	require.Equal(t, roots[0], again)

	for _, root := range roots {
		Release(store, root)
	}
	acct, err := GetAccount(store, roots[0], first)
	Require(t, err)
	require.Equal(t, uint64(1), acct.Balance.Uint64())

	Release(store, roots[0])
	require.Equal(t, idle, store.DirtySize())
	_, err = GetAccount(store, roots[0], first)
	require.ErrorIs(t, err, ErrStateCorruption)

	// releasing never touches committed state
	Release(store, base)
	acct, err = GetAccount(store, base, holder)
	Require(t, err)
	require.Equal(t, uint64(100), acct.Balance.Uint64())
}

func TestCommittedRootSurvivesRelease(t *testing.T) {
	store := NewTrieStore(rawdb.NewMemoryDatabase())
	addr := testhelpers.RandomAddress()
	root, err := store.PutBatch(types.EmptyRootHash, []KV{{Key: addr.Bytes(), Value: accountWithBalance(t, 0, 7)}})
	Require(t, err)
	// a second holder of the same root, such as a speculative view
	_, err = store.PutBatch(types.EmptyRootHash, []KV{{Key: addr.Bytes(), Value: accountWithBalance(t, 0, 7)}})
	Require(t, err)
	Require(t, store.Commit(root))
	Release(store, root)
	Release(store, root)
	acct, err := GetAccount(store, root, addr)
	Require(t, err)
	require.Equal(t, uint64(7), acct.Balance.Uint64())
}
