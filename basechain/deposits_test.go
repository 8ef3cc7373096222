// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package basechain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/util/testhelpers"
)

type fakeFilterer struct {
	logs  []types.Log
	query ethereum.FilterQuery
}

func (f *fakeFilterer) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.query = q
	return f.logs, nil
}

func depositLog(header *types.Header, index uint, to common.Address, amount uint64) types.Log {
	data := uint256.NewInt(amount).Bytes32()
	return types.Log{
		Topics:      []common.Hash{DepositEventTopic, common.BytesToHash(to.Bytes())},
		Data:        data[:],
		BlockNumber: header.Number.Uint64(),
		BlockHash:   header.Hash(),
		Index:       index,
	}
}

func TestLogDepositSource(t *testing.T) {
	header := &types.Header{Number: big.NewInt(12), Difficulty: common.Big1}
	inbox := testhelpers.RandomAddress()
	to := testhelpers.RandomAddress()
	filterer := &fakeFilterer{logs: []types.Log{
		depositLog(header, 3, to, 40),
		depositLog(header, 7, to, 2),
	}}
	source := NewLogDepositSource(filterer, inbox)

	deposits, err := source.DepositsAt(context.Background(), header)
	Require(t, err)
	require.Equal(t, header.Hash(), *filterer.query.BlockHash)
	require.Equal(t, []common.Address{inbox}, filterer.query.Addresses)
	require.Len(t, deposits, 2)
	require.Equal(t, l2types.DepositIDFor(header.Hash(), 3), deposits[0].DepositID)
	require.Equal(t, uint64(12), deposits[0].BaseHeight)
	require.Equal(t, to, deposits[0].To)
	require.Equal(t, uint64(40), deposits[0].Amount.Uint64())
	require.Equal(t, l2types.DepositIDFor(header.Hash(), 7), deposits[1].DepositID)

	filterer.logs[1].Data = []byte{1}
	_, err = source.DepositsAt(context.Background(), header)
	if !errors.Is(err, ErrMalformedDepositLog) {
		Fail(t, "expected malformed log error, got", err)
	}
}
