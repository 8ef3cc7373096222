// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package statedb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optirollup/sequencer/l2types"
)

// GetAccount reads the account at addr, returning a fresh empty account if
// the tree has none.
func GetAccount(store Store, root common.Hash, addr common.Address) (*l2types.Account, error) {
	data, err := store.Get(root, addr.Bytes())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return l2types.NewAccount(), nil
	}
	acct, err := l2types.DecodeAccount(data)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable account %v at root %v: %v", ErrStateCorruption, addr, root, err)
	}
	return acct, nil
}

// AccountKV builds the write that stores acct at addr.
func AccountKV(addr common.Address, acct *l2types.Account) (KV, error) {
	enc, err := acct.Encode()
	if err != nil {
		return KV{}, err
	}
	return KV{Key: addr.Bytes(), Value: enc}, nil
}

// ProveAccount proves the account at addr under root and decodes it.
func ProveAccount(store Store, root common.Hash, addr common.Address) (*l2types.Account, *Proof, error) {
	proof, err := store.Prove(root, addr.Bytes())
	if err != nil {
		return nil, nil, err
	}
	if len(proof.Value) == 0 {
		return l2types.NewAccount(), proof, nil
	}
	acct, err := l2types.DecodeAccount(proof.Value)
	if err != nil {
		return nil, nil, err
	}
	return acct, proof, nil
}
