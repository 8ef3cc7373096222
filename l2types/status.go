// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package l2types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// ChainStatus is the local view of the last confirmed layer-2 block and the
// base-chain block it is anchored to. Version increases with every change.
type ChainStatus struct {
	Version     uint64
	BlockNumber uint64
	BlockHash   common.Hash
	StateRoot   common.Hash
	BaseHeight  uint64
	BaseHash    common.Hash
}

func (s ChainStatus) Copy() *ChainStatus {
	return &s
}

func (s *ChainStatus) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

func DecodeChainStatus(data []byte) (*ChainStatus, error) {
	var s ChainStatus
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Checkpoint is persisted for every confirmed block and is enough to resume
// production after a restart.
type Checkpoint struct {
	Number         uint64
	Hash           common.Hash
	PrevStateRoot  common.Hash
	PostStateRoot  common.Hash
	WithdrawalRoot common.Hash
	BaseHeight     uint64
	BaseHash       common.Hash
}

func NewCheckpoint(header *Header, baseHeight uint64, baseHash common.Hash) *Checkpoint {
	return &Checkpoint{
		Number:         header.Number,
		Hash:           header.Hash(),
		PrevStateRoot:  header.PrevStateRoot,
		PostStateRoot:  header.PostStateRoot,
		WithdrawalRoot: header.WithdrawalRoot,
		BaseHeight:     baseHeight,
		BaseHash:       baseHash,
	}
}

func (c *Checkpoint) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(c)
}

func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := rlp.DecodeBytes(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
