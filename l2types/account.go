// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package l2types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Account is the record stored in the state tree under its address.
type Account struct {
	Nonce       uint64
	Balance     *uint256.Int
	StorageRoot common.Hash
}

func NewAccount() *Account {
	return &Account{
		Balance:     new(uint256.Int),
		StorageRoot: types.EmptyRootHash,
	}
}

func (a *Account) Copy() *Account {
	return &Account{
		Nonce:       a.Nonce,
		Balance:     new(uint256.Int).Set(a.Balance),
		StorageRoot: a.StorageRoot,
	}
}

func (a *Account) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

func DecodeAccount(data []byte) (*Account, error) {
	var acct Account
	if err := rlp.DecodeBytes(data, &acct); err != nil {
		return nil, err
	}
	if acct.Balance == nil {
		acct.Balance = new(uint256.Int)
	}
	return &acct, nil
}

// ScriptAddress derives the account address of a contract identified by the
// hash of its script.
func ScriptAddress(scriptHash common.Hash) common.Address {
	return common.BytesToAddress(crypto.Keccak256(scriptHash.Bytes()))
}
