// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package generator is the deterministic state transition function of the
// rollup. Its output depends only on the pre-state root, the ordered inputs
// and the block environment.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
	flag "github.com/spf13/pflag"

	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/statedb"
)

var (
	executeTimer       = metrics.NewRegisteredTimer("sequencer/generator/execute", nil)
	acceptedCounter    = metrics.NewRegisteredCounter("sequencer/generator/accepted", nil)
	rejectedCounter    = metrics.NewRegisteredCounter("sequencer/generator/rejected", nil)
	withdrawalsCounter = metrics.NewRegisteredCounter("sequencer/generator/withdrawals", nil)
)

type Config struct {
	ChainID uint64 `koanf:"chain-id"`
}

var DefaultConfig = Config{
	ChainID: 71402,
}

var TestConfig = Config{
	ChainID: 1337,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".chain-id", DefaultConfig.ChainID, "layer-2 chain id transactions are signed for")
}

// Env is the block environment an execution runs in. It only feeds into the
// records the execution emits.
type Env struct {
	BlockNumber uint64
	Producer    common.Address
}

type Rejection struct {
	Tx  *l2types.Transaction
	Err *ValidationError
}

type Result struct {
	PreRoot     common.Hash
	PostRoot    common.Hash
	Accepted    []*l2types.Transaction
	Receipts    []*l2types.Receipt
	Rejections  []*Rejection
	Withdrawals []*l2types.WithdrawalRecord
}

type Generator struct {
	store   statedb.Store
	chainID uint64
}

func New(store statedb.Store, config *Config) *Generator {
	return &Generator{
		store:   store,
		chainID: config.ChainID,
	}
}

func (g *Generator) ChainID() uint64 {
	return g.chainID
}

func (g *Generator) Store() statedb.Store {
	return g.store
}

func (g *Generator) NewState(root common.Hash) *State {
	return NewState(g.store, root)
}

// orderInputs moves deposits ahead of everything else, keeping relative order.
func orderInputs(inputs []*l2types.Transaction) []*l2types.Transaction {
	ordered := make([]*l2types.Transaction, 0, len(inputs))
	for _, tx := range inputs {
		if tx.IsDeposit() {
			ordered = append(ordered, tx)
		}
	}
	for _, tx := range inputs {
		if !tx.IsDeposit() {
			ordered = append(ordered, tx)
		}
	}
	return ordered
}

// Execute applies inputs on top of preRoot. Inputs that fail validation are
// reported in Rejections and leave no trace in the state. The only errors
// returned are state-scoped (such as ErrStateCorruption) or ctx errors. A
// deposit that overflows its beneficiary aborts execution with an InputError
// naming it. Result.PostRoot stays referenced in the store until it is
// committed or released.
func (g *Generator) Execute(ctx context.Context, preRoot common.Hash, inputs []*l2types.Transaction, env Env) (*Result, error) {
	start := time.Now()
	defer func() { executeTimer.UpdateSince(start) }()

	state := g.NewState(preRoot)
	result := &Result{PreRoot: preRoot}
	for _, tx := range orderInputs(inputs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		withdrawal, err := g.Apply(state, tx, env, uint64(len(result.Withdrawals)))
		if verr, ok := AsValidationError(err); ok {
			result.Rejections = append(result.Rejections, &Rejection{Tx: tx, Err: verr})
			continue
		}
		if errors.Is(err, ErrDepositOverflow) {
			return nil, &InputError{Tx: tx, Err: err}
		}
		if err != nil {
			return nil, err
		}
		result.Receipts = append(result.Receipts, &l2types.Receipt{
			TxHash: tx.Hash(),
			Kind:   tx.Kind,
			Index:  uint64(len(result.Accepted)),
			Status: l2types.ReceiptStatusSuccess,
		})
		result.Accepted = append(result.Accepted, tx)
		if withdrawal != nil {
			result.Withdrawals = append(result.Withdrawals, withdrawal)
		}
	}
	postRoot, err := state.Root()
	if err != nil {
		return nil, err
	}
	result.PostRoot = postRoot
	acceptedCounter.Inc(int64(len(result.Accepted)))
	rejectedCounter.Inc(int64(len(result.Rejections)))
	withdrawalsCounter.Inc(int64(len(result.Withdrawals)))
	log.Debug("executed batch", "preRoot", preRoot, "postRoot", postRoot, "accepted", len(result.Accepted), "rejected", len(result.Rejections))
	return result, nil
}

// ExecuteReadOnly runs a single input against root without writing anything.
func (g *Generator) ExecuteReadOnly(ctx context.Context, root common.Hash, tx *l2types.Transaction) (*l2types.WithdrawalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Apply(g.NewState(root), tx, Env{}, 0)
}

// Validate checks tx against the state at root.
func (g *Generator) Validate(ctx context.Context, root common.Hash, tx *l2types.Transaction) error {
	_, err := g.ExecuteReadOnly(ctx, root, tx)
	return err
}

func amountOf(tx *l2types.Transaction) *uint256.Int {
	if tx.Amount == nil {
		return new(uint256.Int)
	}
	return tx.Amount
}

// Apply validates tx against state and, if valid, applies it. A
// ValidationError leaves state untouched. withdrawalIndex is the index the
// emitted record gets if tx is a withdrawal.
func (g *Generator) Apply(state *State, tx *l2types.Transaction, env Env, withdrawalIndex uint64) (*l2types.WithdrawalRecord, error) {
	switch tx.Kind {
	case l2types.DepositKind:
		return nil, g.applyDeposit(state, tx)
	case l2types.TransferKind:
		return nil, g.applyTransfer(state, tx)
	case l2types.WithdrawalKind:
		return g.applyWithdrawal(state, tx, env, withdrawalIndex)
	default:
		return nil, newValidationError(CodeUnknownKind, "kind %v", tx.Kind)
	}
}

func (g *Generator) applyDeposit(state *State, tx *l2types.Transaction) error {
	acct, err := state.Account(tx.To)
	if err != nil {
		return err
	}
	if _, overflow := acct.Balance.AddOverflow(acct.Balance, amountOf(tx)); overflow {
		return fmt.Errorf("%w: deposit %v to %v", ErrDepositOverflow, tx.DepositID, tx.To)
	}
	state.set(tx.To, acct)
	return nil
}

// checkSender runs the checks shared by all signed inputs and returns a copy
// of the sender's account.
func (g *Generator) checkSender(state *State, tx *l2types.Transaction) (*l2types.Account, error) {
	sender, err := tx.Sender(g.chainID)
	if err != nil || sender != tx.From {
		return nil, newValidationError(CodeBadSignature, "tx %v does not recover to %v", tx.Hash(), tx.From)
	}
	acct, err := state.Account(tx.From)
	if err != nil {
		return nil, err
	}
	if tx.Nonce < acct.Nonce {
		return nil, newValidationError(CodeNonceTooLow, "address %v nonce %v, tx nonce %v", tx.From, acct.Nonce, tx.Nonce)
	}
	if tx.Nonce > acct.Nonce {
		return nil, newValidationError(CodeNonceTooHigh, "address %v nonce %v, tx nonce %v", tx.From, acct.Nonce, tx.Nonce)
	}
	if acct.Balance.Lt(amountOf(tx)) {
		return nil, newValidationError(CodeInsufficientBalance, "address %v balance %v, amount %v", tx.From, acct.Balance, amountOf(tx))
	}
	return acct, nil
}

func (g *Generator) applyTransfer(state *State, tx *l2types.Transaction) error {
	from, err := g.checkSender(state, tx)
	if err != nil {
		return err
	}
	amount := amountOf(tx)
	from.Nonce++
	from.Balance.Sub(from.Balance, amount)
	if tx.To == tx.From {
		from.Balance.Add(from.Balance, amount)
		state.set(tx.From, from)
		return nil
	}
	to, err := state.Account(tx.To)
	if err != nil {
		return err
	}
	if _, overflow := to.Balance.AddOverflow(to.Balance, amount); overflow {
		return newValidationError(CodeOverflow, "crediting %v to %v", amount, tx.To)
	}
	state.set(tx.From, from)
	state.set(tx.To, to)
	return nil
}

func (g *Generator) applyWithdrawal(state *State, tx *l2types.Transaction, env Env, index uint64) (*l2types.WithdrawalRecord, error) {
	if amountOf(tx).IsZero() {
		return nil, newValidationError(CodeZeroAmount, "withdrawal %v", tx.Hash())
	}
	from, err := g.checkSender(state, tx)
	if err != nil {
		return nil, err
	}
	from.Nonce++
	from.Balance.Sub(from.Balance, amountOf(tx))
	state.set(tx.From, from)
	return &l2types.WithdrawalRecord{
		Index:       index,
		BlockNumber: env.BlockNumber,
		Account:     tx.From,
		Recipient:   tx.To,
		Amount:      new(uint256.Int).Set(amountOf(tx)),
		Nonce:       tx.Nonce,
	}, nil
}
