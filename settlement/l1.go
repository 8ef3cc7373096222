// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/optirollup/sequencer/util/containers"
)

var (
	submittedCounter = metrics.NewRegisteredCounter("sequencer/settlement/submitted", nil)
	failedCounter    = metrics.NewRegisteredCounter("sequencer/settlement/failed", nil)
	replacedCounter  = metrics.NewRegisteredCounter("sequencer/settlement/replaced", nil)
)

// bump a replacement needs over the fee and tip caps it replaces, in percent
const minReplacementBump = 10

const trackedSubmissions = 1024

// L1Client is the subset of ethclient.Client used to post commitments.
type L1Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// L1Submitter posts each commitment as the calldata of a dynamic fee
// transaction to the inbox address and follows its receipt. The submission
// after a superseded one that has not landed reuses its nonce with bumped
// caps, so at most one of them can be included.
type L1Submitter struct {
	client L1Client
	config ConfigFetcher
	key    *ecdsa.PrivateKey
	from   common.Address
	inbox  common.Address

	mutex      sync.Mutex
	sent       *containers.LruCache[SubmissionID, *types.Transaction]
	superseded *containers.LruCache[SubmissionID, struct{}]
	// latest superseded transaction, a candidate for replacement
	replaceable *types.Transaction
}

func NewL1Submitter(client L1Client, key *ecdsa.PrivateKey, config ConfigFetcher) (*L1Submitter, error) {
	inbox := config().InboxAddress
	if !common.IsHexAddress(inbox) {
		return nil, fmt.Errorf("invalid inbox address %q", inbox)
	}
	return &L1Submitter{
		client:     client,
		config:     config,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		inbox:      common.HexToAddress(inbox),
		sent:       containers.NewLruCache[SubmissionID, *types.Transaction](trackedSubmissions),
		superseded: containers.NewLruCache[SubmissionID, struct{}](trackedSubmissions),
	}, nil
}

func (s *L1Submitter) Sender() common.Address {
	return s.from
}

func (s *L1Submitter) Submit(ctx context.Context, commitment *Commitment) (SubmissionID, error) {
	config := s.config()
	data, err := commitment.Encode()
	if err != nil {
		return SubmissionID{}, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	replaced, err := s.pendingReplaceable(ctx)
	if err != nil {
		failedCounter.Inc(1)
		return SubmissionID{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	tx, err := s.buildTx(ctx, config, data, replaced)
	if err != nil {
		failedCounter.Inc(1)
		return SubmissionID{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if err := s.client.SendTransaction(ctx, tx); err != nil {
		failedCounter.Inc(1)
		return SubmissionID{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if replaced != nil {
		s.replaceable = nil
		replacedCounter.Inc(1)
	}
	id := SubmissionID(tx.Hash())
	s.sent.Add(id, tx)
	submittedCounter.Inc(1)
	log.Info("Settlement: commitment sent", "block", commitment.Header.Number, "hash", commitment.BlockHash(), "tx", tx.Hash(), "nonce", tx.Nonce(), "replacing", replaced != nil, "size", len(data))
	return id, nil
}

// pendingReplaceable returns the superseded transaction the next submission
// replaces, or nil once its nonce has been used on chain. The mutex must be
// held by the caller.
func (s *L1Submitter) pendingReplaceable(ctx context.Context) (*types.Transaction, error) {
	if s.replaceable == nil {
		return nil, nil
	}
	used, err := s.client.NonceAt(ctx, s.from, nil)
	if err != nil {
		return nil, err
	}
	if used > s.replaceable.Nonce() {
		s.replaceable = nil
		return nil, nil
	}
	return s.replaceable, nil
}

// bumped is value raised by the minimum replacement bump, rounded up.
func bumped(value *big.Int) *big.Int {
	result := new(big.Int).Mul(value, big.NewInt(100+minReplacementBump))
	result.Add(result, big.NewInt(99))
	return result.Div(result, big.NewInt(100))
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func (s *L1Submitter) buildTx(ctx context.Context, config *Config, data []byte, replaced *types.Transaction) (*types.Transaction, error) {
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	var nonce uint64
	if replaced != nil {
		nonce = replaced.Nonce()
	} else {
		nonce, err = s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return nil, err
		}
	}
	tipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	tipCap.Mul(tipCap, new(big.Int).SetUint64(config.TipCapMultiplier))
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, common.Big2))
	}
	if replaced != nil {
		tipCap = bigMax(tipCap, bumped(replaced.GasTipCap()))
		feeCap = bigMax(feeCap, bumped(replaced.GasFeeCap()))
		feeCap = bigMax(feeCap, tipCap)
	}
	inner := &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       config.GasLimit,
		To:        &s.inbox,
		Value:     common.Big0,
		Data:      data,
	}
	return types.SignNewTx(s.key, types.LatestSignerForChainID(chainID), inner)
}

func (s *L1Submitter) Status(ctx context.Context, id SubmissionID) (SubmissionStatus, error) {
	s.mutex.Lock()
	superseded := s.superseded.Contains(id)
	tx, known := s.sent.Peek(id)
	s.mutex.Unlock()
	if superseded {
		return SubmissionStatus{State: SubmissionSuperseded}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config().ReceiptTimeout)
	defer cancel()
	receipt, err := s.client.TransactionReceipt(ctx, common.Hash(id))
	if errors.Is(err, ethereum.NotFound) && known {
		// another transaction may have taken the nonce
		used, nonceErr := s.client.NonceAt(ctx, s.from, nil)
		if nonceErr != nil {
			return SubmissionStatus{}, nonceErr
		}
		if used <= tx.Nonce() {
			return SubmissionStatus{State: SubmissionPending}, nil
		}
		receipt, err = s.client.TransactionReceipt(ctx, common.Hash(id))
		if errors.Is(err, ethereum.NotFound) {
			return SubmissionStatus{State: SubmissionFailed, Reason: "nonce used by another transaction"}, nil
		}
	}
	if errors.Is(err, ethereum.NotFound) {
		return SubmissionStatus{State: SubmissionPending}, nil
	}
	if err != nil {
		return SubmissionStatus{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return SubmissionStatus{State: SubmissionFailed, Reason: "settlement transaction reverted"}, nil
	}
	return SubmissionStatus{
		State:      SubmissionIncluded,
		BaseHeight: receipt.BlockNumber.Uint64(),
		BaseHash:   receipt.BlockHash,
	}, nil
}

// Supersede forgets id. If its transaction has not landed yet, the next
// submission replaces it at the same nonce.
func (s *L1Submitter) Supersede(id SubmissionID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.superseded.Add(id, struct{}{})
	if tx, ok := s.sent.Peek(id); ok && (s.replaceable == nil || tx.Nonce() >= s.replaceable.Nonce()) {
		s.replaceable = tx
	}
}
