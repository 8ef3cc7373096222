// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package basechain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

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

func TestSimulatedChainReorg(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatedChain(1000)
	mined := sim.Mine(5)
	require.Equal(t, uint64(5), sim.Head().Number.Uint64())
	for i := 1; i < len(mined); i++ {
		require.Equal(t, mined[i-1].Hash(), mined[i].ParentHash)
	}

	replaced := sim.Reorg(2, 3)
	require.Equal(t, uint64(6), sim.Head().Number.Uint64())
	require.Equal(t, mined[2].Hash(), replaced[0].ParentHash)
	require.NotEqual(t, mined[3].Hash(), replaced[0].Hash())
	require.False(t, sim.IsCanonical(4, mined[3].Hash()))
	require.True(t, sim.IsCanonical(3, mined[2].Hash()))

	_, err := sim.HeaderByNumber(ctx, big.NewInt(7))
	if !errors.Is(err, ethereum.NotFound) {
		Fail(t, "expected not found, got", err)
	}
}

func TestSimulatedDeposits(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulatedChain(0)
	to := testhelpers.RandomAddress()
	sim.QueueDeposit(to, uint256.NewInt(42))
	sim.QueueDeposit(to, uint256.NewInt(8))
	header := sim.Mine(1)[0]

	deposits, err := sim.DepositsAt(ctx, header)
	Require(t, err)
	require.Len(t, deposits, 2)
	require.NotEqual(t, deposits[0].DepositID, deposits[1].DepositID)
	require.Equal(t, uint64(1), deposits[0].BaseHeight)
	require.Equal(t, uint64(42), deposits[0].Amount.Uint64())

	// a reorg loses the deposits of the dropped block
	replacement := sim.Reorg(1, 1)[0]
	deposits, err = sim.DepositsAt(ctx, replacement)
	Require(t, err)
	require.Empty(t, deposits)
}

func waitHeader(t *testing.T, ch <-chan *types.Header) *types.Header {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(5 * time.Second):
		Fail(t, "timed out waiting for header")
	}
	return nil
}

func TestReaderBroadcastsHeads(t *testing.T) {
	for _, pollOnly := range []bool{false, true} {
		ctx, cancel := context.WithCancel(context.Background())
		sim := NewSimulatedChain(0)
		config := TestReaderConfig
		config.PollOnly = pollOnly
		reader := NewReader(sim, config)
		headers, unsubscribe := reader.Subscribe()
		reader.Start(ctx)

		sim.Mine(1)
		var last *types.Header
		for last == nil || last.Number.Uint64() < 1 {
			last = waitHeader(t, headers)
		}
		require.Equal(t, sim.Head().Hash(), last.Hash())

		latest, err := reader.LastHeader(ctx)
		Require(t, err)
		require.Equal(t, last.Number, latest.Number)

		unsubscribe()
		reader.StopAndWait()
		cancel()
	}
}
