// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/basechain"
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

const testChainID = 1337

func testBlock(t *testing.T) (*l2types.Block, *l2types.Checkpoint) {
	t.Helper()
	parentHeader := &l2types.Header{Number: 4, PostStateRoot: testhelpers.RandomHash()}
	parent := l2types.NewCheckpoint(parentHeader, 10, testhelpers.RandomHash())
	sender := testhelpers.NewTestAccount(t, "sender")
	var inputs []*l2types.Transaction
	for nonce := uint64(0); nonce < 20; nonce++ {
		tx := l2types.NewTransfer(sender.Address, nonce, testhelpers.RandomAddress(), uint256.NewInt(nonce+1), nil)
		Require(t, tx.Sign(sender.Key, testChainID))
		inputs = append(inputs, tx)
	}
	inputs = append(inputs, l2types.NewDeposit(testhelpers.RandomHash(), 9, sender.Address, uint256.NewInt(1000)))
	withdrawals := []*l2types.WithdrawalRecord{{
		Index:       0,
		BlockNumber: 5,
		Account:     sender.Address,
		Recipient:   testhelpers.RandomAddress(),
		Amount:      uint256.NewInt(3),
		Nonce:       20,
	}}
	block := l2types.AssembleBlock(&l2types.BlockAssembly{
		Number:        5,
		Parent:        parent.Hash,
		PrevStateRoot: parent.PostStateRoot,
		PostStateRoot: testhelpers.RandomHash(),
		Inputs:        inputs,
		Withdrawals:   withdrawals,
	})
	return block, parent
}

func TestCommitmentBody(t *testing.T) {
	block, parent := testBlock(t)
	commitment, err := NewCommitment(block, parent, &TestConfig)
	Require(t, err)
	require.Equal(t, BrotliBodyHeaderByte, commitment.Body[0])

	encoded, err := commitment.Encode()
	Require(t, err)
	decoded, err := DecodeCommitment(encoded)
	Require(t, err)
	inputs, err := decoded.Verify()
	Require(t, err)
	require.Len(t, inputs, len(block.Inputs))
	for i := range inputs {
		require.Equal(t, block.Inputs[i].Hash(), inputs[i].Hash())
	}
	require.Equal(t, block.Hash(), decoded.BlockHash())

	// a body that does not match the header is caught
	decoded.Body, err = CompressBody(block.Inputs[1:], TestConfig.CompressionLevel)
	Require(t, err)
	_, err = decoded.Verify()
	require.ErrorIs(t, err, ErrCommitmentInvalid)

	_, err = DecodeBody([]byte{0x7f, 1, 2, 3})
	require.ErrorIs(t, err, ErrUnknownBodyFormat)
}

func TestCommitmentBodyLimit(t *testing.T) {
	block, parent := testBlock(t)
	config := TestConfig
	config.MaxBodySize = 16
	_, err := NewCommitment(block, parent, &config)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestSimulatedSubmitter(t *testing.T) {
	ctx := context.Background()
	sim := basechain.NewSimulatedChain(0)
	submitter := NewSimulatedSubmitter(sim)
	block, parent := testBlock(t)
	commitment, err := NewCommitment(block, parent, &TestConfig)
	Require(t, err)

	id, err := submitter.Submit(ctx, commitment)
	Require(t, err)
	status, err := submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, SubmissionPending, status.State)

	mined := sim.Mine(1)[0]
	status, err = submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, SubmissionIncluded, status.State)
	require.Equal(t, uint64(1), status.BaseHeight)
	require.Equal(t, mined.Hash(), status.BaseHash)

	// reorged away and re-included at the same height
	replacement := sim.Reorg(1, 1)[0]
	status, err = submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, replacement.Hash(), status.BaseHash)

	submitter.Supersede(id)
	status, err = submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, SubmissionSuperseded, status.State)
	require.Len(t, submitter.Submitted(), 1)

	submitter.FailNext(errors.New("nonce too low"))
	_, err = submitter.Submit(ctx, commitment)
	require.ErrorIs(t, err, ErrSubmissionFailed)

	_, err = submitter.Status(ctx, SubmissionID(testhelpers.RandomHash()))
	require.ErrorIs(t, err, ErrUnknownSubmission)
}

func TestSimulatedSubmitterDrops(t *testing.T) {
	ctx := context.Background()
	sim := basechain.NewSimulatedChain(0)
	submitter := NewSimulatedSubmitter(sim)
	submitter.SetDropAll(true)
	block, parent := testBlock(t)
	commitment, err := NewCommitment(block, parent, &TestConfig)
	Require(t, err)
	id, err := submitter.Submit(ctx, commitment)
	Require(t, err)
	sim.Mine(5)
	status, err := submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, SubmissionPending, status.State)
}

func TestL1Submitter(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	Require(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(types.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))},
	})
	defer backend.Close()

	submitter, err := NewL1Submitter(backend.Client(), key, func() *Config { return &TestConfig })
	Require(t, err)
	require.Equal(t, from, submitter.Sender())

	block, parent := testBlock(t)
	commitment, err := NewCommitment(block, parent, &TestConfig)
	Require(t, err)
	id, err := submitter.Submit(ctx, commitment)
	Require(t, err)

	status, err := submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, SubmissionPending, status.State)

	blockHash := backend.Commit()
	status, err = submitter.Status(ctx, id)
	Require(t, err)
	if status.State != SubmissionIncluded {
		Fail(t, "submission not included", status.State)
	}
	require.Equal(t, blockHash, status.BaseHash)

	// the calldata is the commitment
	tx, _, err := backend.Client().TransactionByHash(ctx, common.Hash(id))
	Require(t, err)
	posted, err := DecodeCommitment(tx.Data())
	Require(t, err)
	_, err = posted.Verify()
	Require(t, err)

	submitter.Supersede(id)
	status, err = submitter.Status(ctx, id)
	Require(t, err)
	require.Equal(t, SubmissionSuperseded, status.State)
}

func TestL1SubmitterReplacesSuperseded(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	Require(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(types.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))},
	})
	defer backend.Close()
	client := backend.Client()

	submitter, err := NewL1Submitter(client, key, func() *Config { return &TestConfig })
	Require(t, err)
	block, parent := testBlock(t)
	commitment, err := NewCommitment(block, parent, &TestConfig)
	Require(t, err)

	first, err := submitter.Submit(ctx, commitment)
	Require(t, err)
	submitter.Supersede(first)
	second, err := submitter.Submit(ctx, commitment)
	Require(t, err)
	require.NotEqual(t, first, second)

	firstTx, ok := submitter.sent.Peek(first)
	require.True(t, ok)
	secondTx, ok := submitter.sent.Peek(second)
	require.True(t, ok)
	if secondTx.Nonce() != firstTx.Nonce() {
		Fail(t, "replacement nonce", secondTx.Nonce(), "replaced", firstTx.Nonce())
	}
	if secondTx.GasTipCap().Cmp(bumped(firstTx.GasTipCap())) < 0 {
		Fail(t, "tip cap not bumped", secondTx.GasTipCap(), firstTx.GasTipCap())
	}
	if secondTx.GasFeeCap().Cmp(bumped(firstTx.GasFeeCap())) < 0 {
		Fail(t, "fee cap not bumped", secondTx.GasFeeCap(), firstTx.GasFeeCap())
	}

	backend.Commit()
	status, err := submitter.Status(ctx, second)
	Require(t, err)
	require.Equal(t, SubmissionIncluded, status.State)
	status, err = submitter.Status(ctx, first)
	Require(t, err)
	require.Equal(t, SubmissionSuperseded, status.State)
	_, err = client.TransactionReceipt(ctx, common.Hash(first))
	require.ErrorIs(t, err, ethereum.NotFound)

	// the nonce is used, so the next submission takes a fresh one
	submitter.Supersede(second)
	third, err := submitter.Submit(ctx, commitment)
	Require(t, err)
	thirdTx, ok := submitter.sent.Peek(third)
	require.True(t, ok)
	require.Equal(t, secondTx.Nonce()+1, thirdTx.Nonce())
	backend.Commit()
	status, err = submitter.Status(ctx, third)
	Require(t, err)
	require.Equal(t, SubmissionIncluded, status.State)
}

func TestBumpedRoundsUp(t *testing.T) {
	for value, want := range map[int64]int64{0: 0, 10: 11, 11: 13, 100: 110, 1000: 1100} {
		if got := bumped(big.NewInt(value)); got.Cmp(big.NewInt(want)) != 0 {
			Fail(t, "bumped", value, "got", got, "want", want)
		}
	}
}
