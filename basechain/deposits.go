// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package basechain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/optirollup/sequencer/l2types"
)

// DepositSource lists the deposits a base chain block carries, in log order.
type DepositSource interface {
	DepositsAt(ctx context.Context, header *types.Header) ([]*l2types.Transaction, error)
}

// DepositEventTopic is the topic of Deposit(address indexed to, uint256 amount).
var DepositEventTopic = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))

var ErrMalformedDepositLog = errors.New("malformed deposit log")

type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// LogDepositSource reads deposits from the Deposit events of the inbox
// contract.
type LogDepositSource struct {
	client LogFilterer
	inbox  common.Address
}

func NewLogDepositSource(client LogFilterer, inbox common.Address) *LogDepositSource {
	return &LogDepositSource{client: client, inbox: inbox}
}

func (s *LogDepositSource) DepositsAt(ctx context.Context, header *types.Header) ([]*l2types.Transaction, error) {
	blockHash := header.Hash()
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: []common.Address{s.inbox},
		Topics:    [][]common.Hash{{DepositEventTopic}},
	})
	if err != nil {
		return nil, err
	}
	deposits := make([]*l2types.Transaction, 0, len(logs))
	for _, entry := range logs {
		deposit, err := depositFromLog(&entry)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, deposit)
	}
	return deposits, nil
}

func depositFromLog(entry *types.Log) (*l2types.Transaction, error) {
	if entry.Removed {
		return nil, fmt.Errorf("%w: log %d of %v was removed", ErrMalformedDepositLog, entry.Index, entry.BlockHash)
	}
	if len(entry.Topics) != 2 || entry.Topics[0] != DepositEventTopic || len(entry.Data) != 32 {
		return nil, fmt.Errorf("%w: log %d of %v", ErrMalformedDepositLog, entry.Index, entry.BlockHash)
	}
	to := common.BytesToAddress(entry.Topics[1].Bytes())
	amount := new(uint256.Int).SetBytes32(entry.Data)
	id := l2types.DepositIDFor(entry.BlockHash, uint64(entry.Index))
	return l2types.NewDeposit(id, entry.BlockNumber, to, amount), nil
}

var (
	_ DepositSource = (*LogDepositSource)(nil)
	_ DepositSource = (*SimulatedChain)(nil)
)
