// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package generator

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optirollup/sequencer/l2types"
	"github.com/optirollup/sequencer/statedb"
)

// State is an in-memory overlay of account changes on top of an immutable
// root. Nothing reaches the store until Root is called.
type State struct {
	store    statedb.Store
	base     common.Hash
	accounts map[common.Address]*l2types.Account
	dirty    map[common.Address]struct{}
	root     common.Hash
	rootOk   bool
}

func NewState(store statedb.Store, base common.Hash) *State {
	return &State{
		store:    store,
		base:     base,
		accounts: make(map[common.Address]*l2types.Account),
		dirty:    make(map[common.Address]struct{}),
		root:     base,
		rootOk:   true,
	}
}

func (s *State) Base() common.Hash {
	return s.base
}

// Account returns a copy of the current account at addr.
func (s *State) Account(addr common.Address) (*l2types.Account, error) {
	acct, err := s.load(addr)
	if err != nil {
		return nil, err
	}
	return acct.Copy(), nil
}

func (s *State) load(addr common.Address) (*l2types.Account, error) {
	if acct, ok := s.accounts[addr]; ok {
		return acct, nil
	}
	acct, err := statedb.GetAccount(s.store, s.base, addr)
	if err != nil {
		return nil, err
	}
	s.accounts[addr] = acct
	return acct, nil
}

func (s *State) set(addr common.Address, acct *l2types.Account) {
	s.accounts[addr] = acct
	s.dirty[addr] = struct{}{}
	s.rootOk = false
}

// Root writes the overlay to the store and returns the resulting root. The
// overlay stays usable and later writes still build on the same base. The
// overlay keeps a reference on the latest root it wrote and gives up the
// previous one.
func (s *State) Root() (common.Hash, error) {
	if s.rootOk {
		return s.root, nil
	}
	addrs := make([]common.Address, 0, len(s.dirty))
	for addr := range s.dirty {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	kvs := make([]statedb.KV, 0, len(addrs))
	for _, addr := range addrs {
		kv, err := statedb.AccountKV(addr, s.accounts[addr])
		if err != nil {
			return common.Hash{}, err
		}
		kvs = append(kvs, kv)
	}
	root, err := s.store.PutBatch(s.base, kvs)
	if err != nil {
		return common.Hash{}, err
	}
	s.Release()
	s.root = root
	s.rootOk = true
	return root, nil
}

// Release gives up the root written by Root, if any. The overlay stays usable.
func (s *State) Release() {
	if s.root == s.base {
		return
	}
	statedb.Release(s.store, s.root)
	s.root = s.base
	s.rootOk = len(s.dirty) == 0
}
