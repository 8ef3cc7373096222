// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package merkletree

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type MerkleProof struct {
	RootHash  common.Hash
	LeafHash  common.Hash
	LeafIndex uint64
	Proof     []common.Hash
}

func (proof *MerkleProof) IsCorrect() bool {
	hash := crypto.Keccak256Hash(proof.LeafHash.Bytes())
	index := proof.LeafIndex
	for _, hashFromProof := range proof.Proof {
		if index&1 == 0 {
			hash = hashChildren(hash, hashFromProof)
		} else {
			hash = hashChildren(hashFromProof, hash)
		}
		index = index / 2
	}
	if index != 0 {
		return false
	}
	return hash == proof.RootHash
}
