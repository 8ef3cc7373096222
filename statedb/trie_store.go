// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package statedb

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"
)

var dirtySizeGauge = metrics.NewRegisteredGauge("sequencer/state/dirty", nil)

// TrieStore keeps state in a merkle patricia trie. Freshly written roots live
// in the trie database's dirty cache until Commit flushes them to disk or the
// last reference to them is released.
type TrieStore struct {
	tdb *triedb.Database

	// serializes writers; readers never need it because roots are immutable
	writeMutex sync.Mutex
	// references PutBatch handed out on roots that are not committed
	holds map[common.Hash]int
}

func NewTrieStore(db ethdb.Database) *TrieStore {
	return &TrieStore{
		tdb:   triedb.NewDatabase(db, triedb.HashDefaults),
		holds: make(map[common.Hash]int),
	}
}

func hashKey(key []byte) []byte {
	return crypto.Keccak256(key)
}

func (s *TrieStore) open(root common.Hash) (*trie.Trie, error) {
	tr, err := trie.New(trie.TrieID(root), s.tdb)
	if err != nil {
		return nil, corruption(root, err)
	}
	return tr, nil
}

func (s *TrieStore) Get(root common.Hash, key []byte) ([]byte, error) {
	tr, err := s.open(root)
	if err != nil {
		return nil, err
	}
	value, err := tr.Get(hashKey(key))
	if err != nil {
		return nil, corruption(root, err)
	}
	return value, nil
}

// PutBatch writes kvs on top of root. A returned root that differs from root
// is referenced until it is committed or released.
func (s *TrieStore) PutBatch(root common.Hash, kvs []KV) (common.Hash, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tr, err := s.open(root)
	if err != nil {
		return common.Hash{}, err
	}
	for _, kv := range kvs {
		if len(kv.Value) == 0 {
			err = tr.Delete(hashKey(kv.Key))
		} else {
			err = tr.Update(hashKey(kv.Key), kv.Value)
		}
		if err != nil {
			return common.Hash{}, corruption(root, err)
		}
	}
	newRoot, nodes := tr.Commit(false)
	if nodes != nil {
		if err := s.tdb.Update(newRoot, root, 0, trienode.NewWithNodeSet(nodes), nil); err != nil {
			return common.Hash{}, fmt.Errorf("failed to update trie database: %w", err)
		}
	}
	if newRoot != root {
		s.holds[newRoot]++
		s.updateSizeLocked()
	}
	return newRoot, nil
}

// Release drops one reference PutBatch took on root. The nodes only root
// reaches leave memory with its last reference. Committed roots are unaffected.
func (s *TrieStore) Release(root common.Hash) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	count, ok := s.holds[root]
	if !ok {
		return
	}
	if count > 1 {
		s.holds[root] = count - 1
		return
	}
	delete(s.holds, root)
	if err := s.tdb.Dereference(root); err != nil {
		log.Warn("failed to dereference state root", "root", root, "err", err)
	}
	s.updateSizeLocked()
}

// DirtySize is the memory held by roots that are neither committed nor
// released.
func (s *TrieStore) DirtySize() common.StorageSize {
	_, nodes, _ := s.tdb.Size()
	return nodes
}

func (s *TrieStore) updateSizeLocked() {
	dirtySizeGauge.Update(int64(s.DirtySize()))
}

func (s *TrieStore) Prove(root common.Hash, key []byte) (*Proof, error) {
	tr, err := s.open(root)
	if err != nil {
		return nil, err
	}
	hashed := hashKey(key)
	value, err := tr.Get(hashed)
	if err != nil {
		return nil, corruption(root, err)
	}
	proofDb := memorydb.New()
	if err := tr.Prove(hashed, proofDb); err != nil {
		return nil, corruption(root, err)
	}
	proof := &Proof{
		Root:  root,
		Key:   common.CopyBytes(key),
		Value: value,
	}
	it := proofDb.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		proof.Nodes = append(proof.Nodes, common.CopyBytes(it.Value()))
	}
	return proof, it.Error()
}

// Commit persists everything reachable from root.
func (s *TrieStore) Commit(root common.Hash) error {
	if root == types.EmptyRootHash {
		return nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.tdb.Commit(root, false); err != nil {
		return fmt.Errorf("failed to commit state root %v: %w", root, err)
	}
	delete(s.holds, root)
	s.updateSizeLocked()
	log.Debug("committed state root", "root", root)
	return nil
}

// Has reports whether root can be opened.
func (s *TrieStore) Has(root common.Hash) bool {
	_, err := s.open(root)
	return err == nil
}

func (s *TrieStore) Close() error {
	return s.tdb.Close()
}

// VerifyProof checks proof against its root and returns the proven value,
// which is nil when the proof shows the key is absent.
func VerifyProof(proof *Proof) ([]byte, error) {
	if proof.Root == types.EmptyRootHash && len(proof.Nodes) == 0 {
		return nil, nil
	}
	proofDb := memorydb.New()
	for _, node := range proof.Nodes {
		if err := proofDb.Put(crypto.Keccak256(node), node); err != nil {
			return nil, err
		}
	}
	return trie.VerifyProof(proof.Root, hashKey(proof.Key), proofDb)
}
