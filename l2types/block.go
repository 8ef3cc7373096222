// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package l2types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/optirollup/sequencer/util/merkletree"
)

type Header struct {
	Number          uint64
	ParentHash      common.Hash
	Producer        common.Address
	Timestamp       uint64
	PrevStateRoot   common.Hash
	PostStateRoot   common.Hash
	TxRoot          common.Hash
	WithdrawalRoot  common.Hash
	ReceiptRoot     common.Hash
	DepositCount    uint64
	TxCount         uint64
	WithdrawalCount uint64
}

func (h *Header) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(fmt.Sprintf("unable to encode header: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Block is immutable once assembled.
type Block struct {
	Header      *Header
	Inputs      []*Transaction
	Withdrawals []*WithdrawalRecord
}

func (b *Block) Hash() common.Hash {
	return b.Header.Hash()
}

func (b *Block) Number() uint64 {
	return b.Header.Number
}

func (b *Block) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

func DecodeBlock(data []byte) (*Block, error) {
	var block Block
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

type ReceiptStatus uint8

const (
	ReceiptStatusFailed ReceiptStatus = iota
	ReceiptStatusSuccess
)

type Receipt struct {
	TxHash common.Hash
	Kind   TxKind
	Index  uint64
	Status ReceiptStatus
}

func (r *Receipt) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(r)
	if err != nil {
		panic(fmt.Sprintf("unable to encode receipt: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// WithdrawalRecord is emitted for every accepted withdrawal and committed to
// by the block's withdrawal root. Releasing the funds on the base chain after
// the challenge window is not part of the sequencer.
type WithdrawalRecord struct {
	Index       uint64
	BlockNumber uint64
	Account     common.Address
	Recipient   common.Address
	Amount      *uint256.Int
	Nonce       uint64
}

func (w *WithdrawalRecord) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(w)
	if err != nil {
		panic(fmt.Sprintf("unable to encode withdrawal: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

func TxRoot(txs []*Transaction) common.Hash {
	leaves := make([]common.Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.Hash()
	}
	return merkletree.Root(leaves)
}

func WithdrawalRoot(withdrawals []*WithdrawalRecord) common.Hash {
	leaves := make([]common.Hash, len(withdrawals))
	for i, w := range withdrawals {
		leaves[i] = w.Hash()
	}
	return merkletree.Root(leaves)
}

func ReceiptRoot(receipts []*Receipt) common.Hash {
	leaves := make([]common.Hash, len(receipts))
	for i, r := range receipts {
		leaves[i] = r.Hash()
	}
	return merkletree.Root(leaves)
}

// ProveWithdrawal builds the proof a base-chain contract needs to release
// the withdrawal at index once the block is final.
func ProveWithdrawal(withdrawals []*WithdrawalRecord, index uint64) (*merkletree.MerkleProof, error) {
	leaves := make([]common.Hash, len(withdrawals))
	for i, w := range withdrawals {
		leaves[i] = w.Hash()
	}
	if index >= uint64(len(leaves)) {
		return nil, merkletree.ErrIndexOutOfRange
	}
	return merkletree.NewMerkleTree(leaves).Prove(index, leaves[index])
}

// BlockAssembly holds everything that goes into a candidate block.
type BlockAssembly struct {
	Number        uint64
	Parent        common.Hash
	Producer      common.Address
	Timestamp     uint64
	PrevStateRoot common.Hash
	PostStateRoot common.Hash
	Inputs        []*Transaction
	Receipts      []*Receipt
	Withdrawals   []*WithdrawalRecord
}

// AssembleBlock computes the commitments of a candidate block.
func AssembleBlock(a *BlockAssembly) *Block {
	header := &Header{
		Number:         a.Number,
		ParentHash:     a.Parent,
		Producer:       a.Producer,
		Timestamp:      a.Timestamp,
		PrevStateRoot:  a.PrevStateRoot,
		PostStateRoot:  a.PostStateRoot,
		TxRoot:         TxRoot(a.Inputs),
		WithdrawalRoot: WithdrawalRoot(a.Withdrawals),
		ReceiptRoot:    ReceiptRoot(a.Receipts),
	}
	for _, tx := range a.Inputs {
		switch tx.Kind {
		case DepositKind:
			header.DepositCount++
		case WithdrawalKind:
			header.WithdrawalCount++
		default:
			header.TxCount++
		}
	}
	return &Block{
		Header:      header,
		Inputs:      a.Inputs,
		Withdrawals: a.Withdrawals,
	}
}
