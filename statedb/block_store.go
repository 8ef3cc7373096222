// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package statedb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/optirollup/sequencer/l2types"
)

var ErrNotFound = errors.New("not found")

// BlockStore persists confirmed blocks, their checkpoints and the chain
// status. All writes for one confirmation or one rollback land in a single
// batch.
type BlockStore struct {
	db ethdb.Database
}

func NewBlockStore(db ethdb.Database) *BlockStore {
	return &BlockStore{db: rawdb.NewTable(db, blockStoreTablePrefix)}
}

func uint64ToBytes(x uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, x)
	return data
}

func bytesToUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.New("decoding wrong length bytes to uint64")
	}
	return binary.BigEndian.Uint64(b), nil
}

func dbKey(prefix []byte, pos uint64) []byte {
	var key []byte
	key = append(key, prefix...)
	key = append(key, uint64ToBytes(pos)...)
	return key
}

func (s *BlockStore) read(key []byte) ([]byte, error) {
	has, err := s.db.Has(key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNotFound
	}
	return s.db.Get(key)
}

func (s *BlockStore) ReadStatus() (*l2types.ChainStatus, error) {
	data, err := s.read(chainStatusKey)
	if err != nil {
		return nil, err
	}
	return l2types.DecodeChainStatus(data)
}

func writeStatus(batch ethdb.KeyValueWriter, status *l2types.ChainStatus) error {
	enc, err := status.Encode()
	if err != nil {
		return err
	}
	return batch.Put(chainStatusKey, enc)
}

// WriteStatus stores status alone, used when only the base-chain anchor moves.
func (s *BlockStore) WriteStatus(status *l2types.ChainStatus) error {
	return writeStatus(s.db, status)
}

// WriteConfirmed stores a newly confirmed block together with its checkpoint
// and the resulting chain status.
func (s *BlockStore) WriteConfirmed(block *l2types.Block, cp *l2types.Checkpoint, status *l2types.ChainStatus) error {
	number := block.Number()
	blockEnc, err := block.Encode()
	if err != nil {
		return err
	}
	cpEnc, err := cp.Encode()
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	if err := batch.Put(dbKey(blockPrefix, number), blockEnc); err != nil {
		return err
	}
	if err := batch.Put(append(common.CopyBytes(blockHashPrefix), cp.Hash.Bytes()...), uint64ToBytes(number)); err != nil {
		return err
	}
	if err := batch.Put(dbKey(checkpointPrefix, number), cpEnc); err != nil {
		return err
	}
	if err := writeStatus(batch, status); err != nil {
		return err
	}
	return batch.Write()
}

func (s *BlockStore) GetBlock(number uint64) (*l2types.Block, error) {
	data, err := s.read(dbKey(blockPrefix, number))
	if err != nil {
		return nil, err
	}
	return l2types.DecodeBlock(data)
}

func (s *BlockStore) GetBlockNumber(hash common.Hash) (uint64, error) {
	data, err := s.read(append(common.CopyBytes(blockHashPrefix), hash.Bytes()...))
	if err != nil {
		return 0, err
	}
	return bytesToUint64(data)
}

func (s *BlockStore) GetCheckpoint(number uint64) (*l2types.Checkpoint, error) {
	data, err := s.read(dbKey(checkpointPrefix, number))
	if err != nil {
		return nil, err
	}
	return l2types.DecodeCheckpoint(data)
}

func (s *BlockStore) WriteBaseHash(height uint64, hash common.Hash) error {
	return s.db.Put(dbKey(baseHashPrefix, height), hash.Bytes())
}

func (s *BlockStore) GetBaseHash(height uint64) (common.Hash, error) {
	data, err := s.read(dbKey(baseHashPrefix, height))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func deleteStartingAt(db ethdb.Database, batch ethdb.Batch, prefix []byte, minKey []byte) error {
	iter := db.NewIterator(prefix, minKey)
	defer iter.Release()
	for iter.Next() {
		if err := batch.Delete(common.CopyBytes(iter.Key())); err != nil {
			return err
		}
	}
	return iter.Error()
}

// RollbackTo removes every block above number and the base-chain hashes above
// baseHeight, then stores status. It returns the removed blocks in ascending
// order so their inputs can be re-staged.
func (s *BlockStore) RollbackTo(number uint64, baseHeight uint64, status *l2types.ChainStatus) ([]*l2types.Block, error) {
	var removed []*l2types.Block
	iter := s.db.NewIterator(blockPrefix, uint64ToBytes(number+1))
	for iter.Next() {
		block, err := l2types.DecodeBlock(iter.Value())
		if err != nil {
			iter.Release()
			return nil, fmt.Errorf("undecodable block at key %x: %w", iter.Key(), err)
		}
		removed = append(removed, block)
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return nil, err
	}

	batch := s.db.NewBatch()
	for _, block := range removed {
		if err := batch.Delete(append(common.CopyBytes(blockHashPrefix), block.Hash().Bytes()...)); err != nil {
			return nil, err
		}
	}
	if err := deleteStartingAt(s.db, batch, blockPrefix, uint64ToBytes(number+1)); err != nil {
		return nil, err
	}
	if err := deleteStartingAt(s.db, batch, checkpointPrefix, uint64ToBytes(number+1)); err != nil {
		return nil, err
	}
	if err := deleteStartingAt(s.db, batch, baseHashPrefix, uint64ToBytes(baseHeight+1)); err != nil {
		return nil, err
	}
	if err := writeStatus(batch, status); err != nil {
		return nil, err
	}
	return removed, batch.Write()
}
