// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package l2types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type TxKind uint8

const (
	TransferKind TxKind = iota + 1
	DepositKind
	WithdrawalKind
)

func (k TxKind) String() string {
	switch k {
	case TransferKind:
		return "transfer"
	case DepositKind:
		return "deposit"
	case WithdrawalKind:
		return "withdrawal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

var (
	ErrInvalidSignature = errors.New("invalid transaction signature")
	ErrNotSigned        = errors.New("deposits are not signed")
)

// Transaction is the single input type of the sequencer, tagged by Kind.
//
// For a transfer, To is the layer-2 recipient. For a withdrawal, To is the
// base-chain address that receives the funds once the challenge window
// passes. For a deposit, To is the layer-2 beneficiary and DepositID names
// the base-chain event the deposit originates from; deposits have no sender,
// nonce or signature.
type Transaction struct {
	Kind       TxKind
	From       common.Address
	Nonce      uint64
	To         common.Address
	Amount     *uint256.Int
	Payload    []byte
	DepositID  common.Hash
	BaseHeight uint64
	Signature  []byte
}

type unsignedTx struct {
	ChainID uint64
	Kind    TxKind
	From    common.Address
	Nonce   uint64
	To      common.Address
	Amount  *uint256.Int
	Payload []byte
}

func NewTransfer(from common.Address, nonce uint64, to common.Address, amount *uint256.Int, payload []byte) *Transaction {
	return &Transaction{
		Kind:    TransferKind,
		From:    from,
		Nonce:   nonce,
		To:      to,
		Amount:  amount,
		Payload: payload,
	}
}

func NewWithdrawal(from common.Address, nonce uint64, recipient common.Address, amount *uint256.Int) *Transaction {
	return &Transaction{
		Kind:   WithdrawalKind,
		From:   from,
		Nonce:  nonce,
		To:     recipient,
		Amount: amount,
	}
}

func NewDeposit(id common.Hash, baseHeight uint64, to common.Address, amount *uint256.Int) *Transaction {
	return &Transaction{
		Kind:       DepositKind,
		To:         to,
		Amount:     amount,
		DepositID:  id,
		BaseHeight: baseHeight,
	}
}

// DepositIDFor names a deposit by the base-chain block and log index it was
// observed at.
func DepositIDFor(baseBlock common.Hash, logIndex uint64) common.Hash {
	return crypto.Keccak256Hash(baseBlock.Bytes(), uint256.NewInt(logIndex).PaddedBytes(32))
}

func (tx *Transaction) IsDeposit() bool {
	return tx.Kind == DepositKind
}

// Hash identifies the transaction, signature included.
func (tx *Transaction) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		panic(fmt.Sprintf("unable to encode transaction: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// SigningHash is the digest signed by the sender.
func (tx *Transaction) SigningHash(chainID uint64) common.Hash {
	enc, err := rlp.EncodeToBytes(&unsignedTx{
		ChainID: chainID,
		Kind:    tx.Kind,
		From:    tx.From,
		Nonce:   tx.Nonce,
		To:      tx.To,
		Amount:  tx.Amount,
		Payload: tx.Payload,
	})
	if err != nil {
		panic(fmt.Sprintf("unable to encode transaction: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Size is the length of the transaction's canonical encoding.
func (tx *Transaction) Size() uint64 {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return 0
	}
	return uint64(len(enc))
}

func (tx *Transaction) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

func (tx *Transaction) UnmarshalBinary(data []byte) error {
	return rlp.DecodeBytes(data, tx)
}

// Copy returns a deep copy, so that callers holding the original can be sure
// it is never mutated.
func (tx *Transaction) Copy() *Transaction {
	cpy := *tx
	if tx.Amount != nil {
		cpy.Amount = new(uint256.Int).Set(tx.Amount)
	}
	cpy.Payload = common.CopyBytes(tx.Payload)
	cpy.Signature = common.CopyBytes(tx.Signature)
	return &cpy
}

// Sign sets From to the key's address and signs the transaction in place.
func (tx *Transaction) Sign(key *ecdsa.PrivateKey, chainID uint64) error {
	if tx.IsDeposit() {
		return ErrNotSigned
	}
	tx.From = crypto.PubkeyToAddress(key.PublicKey)
	sig, err := crypto.Sign(tx.SigningHash(chainID).Bytes(), key)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// Sender recovers the signer of the transaction.
func (tx *Transaction) Sender(chainID uint64) (common.Address, error) {
	if tx.IsDeposit() {
		return common.Address{}, ErrNotSigned
	}
	if len(tx.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(tx.SigningHash(chainID).Bytes(), tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func EncodeTransactions(txs []*Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(txs)
}

func DecodeTransactions(data []byte) ([]*Transaction, error) {
	var txs []*Transaction
	if err := rlp.DecodeBytes(data, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}
