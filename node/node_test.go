// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/basechain"
	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/settlement"
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

type nodeTest struct {
	t         *testing.T
	ctx       context.Context
	config    *Config
	db        ethdb.Database
	sim       *basechain.SimulatedChain
	submitter *settlement.SimulatedSubmitter
	node      *Node
	client    *rpc.Client
	x         *testhelpers.TestAccount
	y         *testhelpers.TestAccount
}

func newNodeTest(t *testing.T, mutate func(*Config)) *nodeTest {
	t.Helper()
	x := testhelpers.NewTestAccount(t, "x")
	y := testhelpers.NewTestAccount(t, "y")
	config := ConfigTest()
	config.Chain.GenesisAlloc = fmt.Sprintf("%s:100,%s:100", x.Address.Hex(), y.Address.Hex())
	if mutate != nil {
		mutate(config)
	}
	sim := basechain.NewSimulatedChain(0)
	nt := &nodeTest{
		t:         t,
		ctx:       context.Background(),
		config:    config,
		db:        rawdb.NewMemoryDatabase(),
		sim:       sim,
		submitter: settlement.NewSimulatedSubmitter(sim),
		x:         x,
		y:         y,
	}
	nt.start()
	return nt
}

// start (re)creates the node on the test database and serves its API.
func (nt *nodeTest) start() {
	nt.t.Helper()
	n, err := CreateNode(nt.db, nt.sim, nt.sim, nt.submitter, func() *Config { return nt.config })
	Require(nt.t, err)
	Require(nt.t, n.Start(nt.ctx))
	server := rpc.NewServer()
	for _, api := range n.APIs() {
		Require(nt.t, server.RegisterName(api.Namespace, api.Service))
	}
	client := rpc.DialInProc(server)
	nt.node = n
	nt.client = client
	nt.t.Cleanup(func() {
		client.Close()
		server.Stop()
		if !n.Stopped() {
			n.StopAndWait()
		}
	})
}

func (nt *nodeTest) stop() {
	nt.client.Close()
	nt.node.StopAndWait()
}

func (nt *nodeTest) call(result interface{}, method string, args ...interface{}) error {
	return nt.client.CallContext(nt.ctx, result, APINamespace+"_"+method, args...)
}

func (nt *nodeTest) encode(tx *l2types.Transaction, key *testhelpers.TestAccount) hexutil.Bytes {
	nt.t.Helper()
	Require(nt.t, tx.Sign(key.Key, generator.TestConfig.ChainID))
	enc, err := tx.MarshalBinary()
	Require(nt.t, err)
	return enc
}

func (nt *nodeTest) send(from *testhelpers.TestAccount, nonce uint64, to common.Address, amount uint64) common.Hash {
	nt.t.Helper()
	tx := l2types.NewTransfer(from.Address, nonce, to, uint256.NewInt(amount), nil)
	var result SendResult
	Require(nt.t, nt.call(&result, "sendTransaction", nt.encode(tx, from)))
	require.Equal(nt.t, "staged", result.Status)
	require.Equal(nt.t, tx.Hash(), result.Hash)
	return result.Hash
}

func (nt *nodeTest) balance(method string, addr common.Address) uint64 {
	nt.t.Helper()
	var balance hexutil.U256
	Require(nt.t, nt.call(&balance, method, addr))
	return (*uint256.Int)(&balance).Uint64()
}

// mineUntil keeps extending the base chain until cond holds.
func (nt *nodeTest) mineUntil(cond func() bool) {
	nt.t.Helper()
	require.Eventually(nt.t, func() bool {
		if cond() {
			return true
		}
		nt.sim.Mine(1)
		return false
	}, 10*time.Second, 20*time.Millisecond)
}

func (nt *nodeTest) confirmedHeight() uint64 {
	return nt.node.Chain.Status().BlockNumber
}

func TestNodeProducesAndConfirms(t *testing.T) {
	nt := newNodeTest(t, nil)
	first := nt.send(nt.x, 0, nt.y.Address, 10)
	second := nt.send(nt.x, 1, nt.y.Address, 20)

	var nonce hexutil.Uint64
	Require(t, nt.call(&nonce, "getSpeculativeNonce", nt.x.Address))
	require.Equal(t, hexutil.Uint64(2), nonce)
	require.Equal(t, uint64(70), nt.balance("getSpeculativeBalance", nt.x.Address))

	nt.mineUntil(func() bool {
		return nt.balance("getBalance", nt.x.Address) == 70
	})
	require.Equal(t, uint64(130), nt.balance("getBalance", nt.y.Address))
	Require(t, nt.call(&nonce, "getNonce", nt.x.Address))
	require.Equal(t, hexutil.Uint64(2), nonce)

	var included []common.Hash
	for number := uint64(1); number <= nt.confirmedHeight(); number++ {
		var block RPCBlock
		Require(t, nt.call(&block, "getBlockByNumber", hexutil.Uint64(number)))
		require.Equal(t, number, block.Header.Number)
		var byHash RPCBlock
		Require(t, nt.call(&byHash, "getBlockByHash", block.Hash))
		require.Equal(t, block.InputHashes, byHash.InputHashes)
		included = append(included, block.InputHashes...)
	}
	require.Equal(t, []common.Hash{first, second}, included)

	var tip common.Hash
	Require(t, nt.call(&tip, "tipBlockHash"))
	require.Equal(t, nt.node.Chain.Status().BlockHash, tip)

	var status RPCStatus
	Require(t, nt.call(&status, "status"))
	require.True(t, status.Synced)
	require.Empty(t, status.ProducerError)
	require.Equal(t, 0, status.Staged)

	var proof RPCProof
	Require(t, nt.call(&proof, "getProof", nt.x.Address))
	require.Equal(t, nt.node.Chain.Status().StateRoot, proof.Root)
	require.NotEmpty(t, proof.Nodes)
	require.Equal(t, uint64(70), (*uint256.Int)(proof.Account.Balance).Uint64())
}

func TestNodeIngestsDeposits(t *testing.T) {
	nt := newNodeTest(t, nil)
	fresh := testhelpers.NewTestAccount(t, "fresh")
	nt.sim.QueueDeposit(fresh.Address, uint256.NewInt(50))
	nt.sim.Mine(1)

	nt.mineUntil(func() bool {
		return nt.balance("getBalance", fresh.Address) == 50
	})

	nt.send(fresh, 0, nt.y.Address, 30)
	nt.mineUntil(func() bool {
		return nt.balance("getBalance", nt.y.Address) == 130
	})
	require.Equal(t, uint64(20), nt.balance("getBalance", fresh.Address))
}

func TestNodeWithdrawals(t *testing.T) {
	nt := newNodeTest(t, nil)
	recipient := testhelpers.RandomAddress()
	withdrawal := l2types.NewWithdrawal(nt.x.Address, 0, recipient, uint256.NewInt(40))
	enc := nt.encode(withdrawal, nt.x)

	var result SendResult
	err := nt.call(&result, "sendTransaction", enc)
	require.ErrorContains(t, err, ErrWrongKind.Error())
	Require(t, nt.call(&result, "sendWithdrawal", enc))

	nt.mineUntil(func() bool {
		return nt.balance("getBalance", nt.x.Address) == 60
	})
	block, err := nt.node.Chain.GetBlockByNumber(1)
	Require(t, err)
	require.Len(t, block.Withdrawals, 1)
	require.Equal(t, recipient, block.Withdrawals[0].Recipient)

	var proof struct {
		RootHash common.Hash `json:"RootHash"`
	}
	Require(t, nt.call(&proof, "getWithdrawalProof", hexutil.Uint64(1), hexutil.Uint64(0)))
	require.Equal(t, block.Header.WithdrawalRoot, proof.RootHash)
}

func TestNodeExecuteTransaction(t *testing.T) {
	nt := newNodeTest(t, func(c *Config) { c.Producer.Enable = false })
	var result ExecutionResult

	tooMuch := l2types.NewTransfer(nt.x.Address, 0, nt.y.Address, uint256.NewInt(1000), nil)
	Require(t, nt.call(&result, "executeTransaction", nt.encode(tooMuch, nt.x)))
	require.False(t, result.Valid)
	require.Contains(t, result.Error, generator.CodeInsufficientBalance.String())

	nt.send(nt.x, 0, nt.y.Address, 10)
	stale := l2types.NewTransfer(nt.x.Address, 0, nt.y.Address, uint256.NewInt(1), nil)
	Require(t, nt.call(&result, "executeTransaction", nt.encode(stale, nt.x)))
	require.False(t, result.Valid)
	require.Contains(t, result.Error, generator.CodeNonceTooLow.String())

	withdrawal := l2types.NewWithdrawal(nt.x.Address, 1, testhelpers.RandomAddress(), uint256.NewInt(5))
	Require(t, nt.call(&result, "executeTransaction", nt.encode(withdrawal, nt.x)))
	require.True(t, result.Valid)
	require.NotNil(t, result.Withdrawal)

	// dry runs stage nothing
	var nonce hexutil.Uint64
	Require(t, nt.call(&nonce, "getSpeculativeNonce", nt.x.Address))
	require.Equal(t, hexutil.Uint64(1), nonce)
}

func TestNodeDropsReorgedDeposits(t *testing.T) {
	nt := newNodeTest(t, func(c *Config) { c.Producer.Enable = false })
	fresh := testhelpers.RandomAddress()
	nt.sim.QueueDeposit(fresh, uint256.NewInt(50))
	nt.sim.Mine(1)
	require.Eventually(t, func() bool {
		return nt.balance("getSpeculativeBalance", fresh) == 50
	}, 10*time.Second, 10*time.Millisecond)

	nt.sim.Reorg(1, 2)
	require.Eventually(t, func() bool {
		return nt.balance("getSpeculativeBalance", fresh) == 0 && nt.node.Chain.Status().BaseHeight == 2
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, nt.node.MemPool.Stats().Staged)
}

func TestNodeRestart(t *testing.T) {
	nt := newNodeTest(t, nil)
	fresh := testhelpers.RandomAddress()
	nt.sim.QueueDeposit(fresh, uint256.NewInt(50))
	nt.sim.Mine(1)
	nt.send(nt.x, 0, nt.y.Address, 10)
	nt.mineUntil(func() bool {
		return nt.balance("getBalance", fresh) == 50 && nt.balance("getBalance", nt.x.Address) == 90
	})
	status := nt.node.Chain.Status()
	nt.stop()

	nt.start()
	restarted := nt.node.Chain.Status()
	require.Equal(t, status.BlockNumber, restarted.BlockNumber)
	require.Equal(t, status.BlockHash, restarted.BlockHash)
	require.Equal(t, status.StateRoot, restarted.StateRoot)
	Require(t, nt.node.WaitSynced(nt.ctx))
	nt.sim.Mine(1)
	require.Eventually(t, func() bool {
		return nt.node.Chain.Status().BaseHeight == nt.sim.Head().Number.Uint64()
	}, 10*time.Second, 10*time.Millisecond)
	// the deposit is not credited twice
	require.Equal(t, uint64(50), nt.balance("getSpeculativeBalance", fresh))
	require.Equal(t, 0, nt.node.MemPool.Stats().Staged)
}
