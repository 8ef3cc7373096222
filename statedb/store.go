// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package statedb holds the versioned account state and the persisted record
// of confirmed blocks.
package statedb

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/trie"
)

// ErrStateCorruption means a node reachable from a root the caller relies on
// is missing. It can't be recovered from locally.
var ErrStateCorruption = errors.New("state corruption")

// KV is a single write in a batch. A nil Value deletes the key.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is a content-addressed, versioned key-value tree. Roots are immutable:
// PutBatch never changes what is reachable from the root it was given.
type Store interface {
	Get(root common.Hash, key []byte) ([]byte, error)
	PutBatch(root common.Hash, kvs []KV) (common.Hash, error)
	Prove(root common.Hash, key []byte) (*Proof, error)
}

// Releaser is implemented by stores that keep written roots in memory until
// they are committed.
type Releaser interface {
	Release(root common.Hash)
}

// Release gives up a reference PutBatch took on root, if store keeps any.
func Release(store Store, root common.Hash) {
	if releaser, ok := store.(Releaser); ok {
		releaser.Release(root)
	}
}

// Proof is a membership (or absence) proof of Key under Root.
type Proof struct {
	Root  common.Hash
	Key   []byte
	Value []byte
	Nodes [][]byte
}

func corruption(root common.Hash, err error) error {
	var missing *trie.MissingNodeError
	if errors.As(err, &missing) {
		return fmt.Errorf("%w: root %v: %v", ErrStateCorruption, root, err)
	}
	return err
}
