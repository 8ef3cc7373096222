// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/mempool"
	"github.com/optirollup/sequencer/statedb"
	"github.com/optirollup/sequencer/util/merkletree"
)

const APINamespace = "sequencer"

var ErrWrongKind = errors.New("wrong transaction kind")

// APIs returns the rpc services of the node.
func (n *Node) APIs() []rpc.API {
	return []rpc.API{{
		Namespace: APINamespace,
		Service:   &API{n},
	}}
}

type API struct {
	n *Node
}

type RPCBlock struct {
	Hash        common.Hash                 `json:"hash"`
	Header      *l2types.Header             `json:"header"`
	InputHashes []common.Hash               `json:"inputHashes"`
	Inputs      []hexutil.Bytes             `json:"inputs"`
	Withdrawals []*l2types.WithdrawalRecord `json:"withdrawals"`
}

func newRPCBlock(block *l2types.Block) (*RPCBlock, error) {
	result := &RPCBlock{
		Hash:        block.Hash(),
		Header:      block.Header,
		InputHashes: make([]common.Hash, 0, len(block.Inputs)),
		Inputs:      make([]hexutil.Bytes, 0, len(block.Inputs)),
		Withdrawals: block.Withdrawals,
	}
	for _, tx := range block.Inputs {
		enc, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		result.InputHashes = append(result.InputHashes, tx.Hash())
		result.Inputs = append(result.Inputs, enc)
	}
	return result, nil
}

type RPCAccount struct {
	Address     common.Address `json:"address"`
	Nonce       hexutil.Uint64 `json:"nonce"`
	Balance     *hexutil.U256  `json:"balance"`
	StorageRoot common.Hash    `json:"storageRoot"`
}

func newRPCAccount(addr common.Address, acct *l2types.Account) *RPCAccount {
	return &RPCAccount{
		Address:     addr,
		Nonce:       hexutil.Uint64(acct.Nonce),
		Balance:     (*hexutil.U256)(acct.Balance),
		StorageRoot: acct.StorageRoot,
	}
}

type RPCProof struct {
	Account *RPCAccount     `json:"account"`
	Root    common.Hash     `json:"root"`
	Nodes   []hexutil.Bytes `json:"nodes"`
}

type RPCStatus struct {
	BlockNumber   hexutil.Uint64 `json:"blockNumber"`
	BlockHash     common.Hash    `json:"blockHash"`
	StateRoot     common.Hash    `json:"stateRoot"`
	BaseHeight    hexutil.Uint64 `json:"baseHeight"`
	BaseHash      common.Hash    `json:"baseHash"`
	Synced        bool           `json:"synced"`
	ProducerState string         `json:"producerState,omitempty"`
	ProducerError string         `json:"producerError,omitempty"`
	Staged        int            `json:"staged"`
	Pending       int            `json:"pending"`
	InFlight      int            `json:"inFlight"`
}

type SendResult struct {
	Hash   common.Hash `json:"hash"`
	Status string      `json:"status"`
}

type ExecutionResult struct {
	Valid      bool                      `json:"valid"`
	Error      string                    `json:"error,omitempty"`
	Withdrawal *l2types.WithdrawalRecord `json:"withdrawal,omitempty"`
}

func (a *API) Status() *RPCStatus {
	status := a.n.Chain.Status()
	stats := a.n.MemPool.Stats()
	result := &RPCStatus{
		BlockNumber: hexutil.Uint64(status.BlockNumber),
		BlockHash:   status.BlockHash,
		StateRoot:   status.StateRoot,
		BaseHeight:  hexutil.Uint64(status.BaseHeight),
		BaseHash:    status.BaseHash,
		Synced:      a.n.Synced(),
		Staged:      stats.Staged,
		Pending:     stats.Pending,
		InFlight:    stats.InFlight,
	}
	if a.n.Producer != nil {
		result.ProducerState = a.n.Producer.State().String()
		if err := a.n.Producer.Err(); err != nil {
			result.ProducerError = err.Error()
		}
	}
	return result
}

func (a *API) TipBlockHash() common.Hash {
	return a.n.Chain.TipBlockHash()
}

func (a *API) BlockHashByNumber(number hexutil.Uint64) (common.Hash, error) {
	return a.n.Chain.BlockHashByNumber(uint64(number))
}

func (a *API) GetBlockByNumber(number hexutil.Uint64) (*RPCBlock, error) {
	block, err := a.n.Chain.GetBlockByNumber(uint64(number))
	if err != nil {
		return nil, err
	}
	return newRPCBlock(block)
}

func (a *API) GetBlockByHash(hash common.Hash) (*RPCBlock, error) {
	block, err := a.n.Chain.GetBlockByHash(hash)
	if err != nil {
		return nil, err
	}
	return newRPCBlock(block)
}

func (a *API) confirmedAccount(addr common.Address) (*l2types.Account, error) {
	return statedb.GetAccount(a.n.State, a.n.Chain.Status().StateRoot, addr)
}

func (a *API) GetBalance(addr common.Address) (*hexutil.U256, error) {
	acct, err := a.confirmedAccount(addr)
	if err != nil {
		return nil, err
	}
	return (*hexutil.U256)(acct.Balance), nil
}

func (a *API) GetNonce(addr common.Address) (hexutil.Uint64, error) {
	acct, err := a.confirmedAccount(addr)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(acct.Nonce), nil
}

func (a *API) GetStorageRoot(addr common.Address) (common.Hash, error) {
	acct, err := a.confirmedAccount(addr)
	if err != nil {
		return common.Hash{}, err
	}
	return acct.StorageRoot, nil
}

// GetSpeculativeNonce returns the nonce after all staged inputs.
func (a *API) GetSpeculativeNonce(addr common.Address) (hexutil.Uint64, error) {
	nonce, err := a.n.MemPool.GetNonce(addr)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(nonce), nil
}

func (a *API) GetSpeculativeBalance(addr common.Address) (*hexutil.U256, error) {
	balance, err := a.n.MemPool.GetBalance(addr)
	if err != nil {
		return nil, err
	}
	return (*hexutil.U256)(balance), nil
}

// GetScriptAccount returns the account of the contract identified by the hash
// of its script.
func (a *API) GetScriptAccount(scriptHash common.Hash) (*RPCAccount, error) {
	addr := l2types.ScriptAddress(scriptHash)
	acct, err := a.confirmedAccount(addr)
	if err != nil {
		return nil, err
	}
	return newRPCAccount(addr, acct), nil
}

func (a *API) GetProof(addr common.Address) (*RPCProof, error) {
	root := a.n.Chain.Status().StateRoot
	acct, proof, err := statedb.ProveAccount(a.n.State, root, addr)
	if err != nil {
		return nil, err
	}
	result := &RPCProof{
		Account: newRPCAccount(addr, acct),
		Root:    root,
		Nodes:   make([]hexutil.Bytes, len(proof.Nodes)),
	}
	for i, node := range proof.Nodes {
		result.Nodes[i] = node
	}
	return result, nil
}

func (a *API) GetWithdrawalProof(number hexutil.Uint64, index hexutil.Uint64) (*merkletree.MerkleProof, error) {
	block, err := a.n.Chain.GetBlockByNumber(uint64(number))
	if err != nil {
		return nil, err
	}
	return l2types.ProveWithdrawal(block.Withdrawals, uint64(index))
}

func decodeInput(data hexutil.Bytes) (*l2types.Transaction, error) {
	tx := new(l2types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	return tx, nil
}

func (a *API) send(ctx context.Context, data hexutil.Bytes, kind l2types.TxKind) (*SendResult, error) {
	tx, err := decodeInput(data)
	if err != nil {
		return nil, err
	}
	if tx.Kind != kind {
		return nil, fmt.Errorf("%w: %v, expected %v", ErrWrongKind, tx.Kind, kind)
	}
	status, err := a.n.MemPool.Ingest(ctx, tx)
	if err != nil {
		return nil, err
	}
	result := &SendResult{Hash: tx.Hash(), Status: "staged"}
	if status == mempool.HeldPending {
		result.Status = "pending"
	}
	return result, nil
}

// SendTransaction stages a signed transfer.
func (a *API) SendTransaction(ctx context.Context, data hexutil.Bytes) (*SendResult, error) {
	return a.send(ctx, data, l2types.TransferKind)
}

// SendWithdrawal stages a signed withdrawal request.
func (a *API) SendWithdrawal(ctx context.Context, data hexutil.Bytes) (*SendResult, error) {
	return a.send(ctx, data, l2types.WithdrawalKind)
}

// ExecuteTransaction dry-runs a transfer or withdrawal on top of the staged
// inputs without staging it.
func (a *API) ExecuteTransaction(ctx context.Context, data hexutil.Bytes) (*ExecutionResult, error) {
	tx, err := decodeInput(data)
	if err != nil {
		return nil, err
	}
	if tx.IsDeposit() {
		return nil, fmt.Errorf("%w: deposits come from the base chain", ErrWrongKind)
	}
	withdrawal, err := a.n.MemPool.ExecuteReadOnly(ctx, tx)
	if verr, ok := generator.AsValidationError(err); ok {
		return &ExecutionResult{Valid: false, Error: verr.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Valid: true, Withdrawal: withdrawal}, nil
}
