// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package merkletree

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrIndexOutOfRange = errors.New("leaf index out of range")

// A MerkleTree is a complete binary keccak tree over a list of leaves.
// Leaves are hashed once more before being placed at the bottom level, and
// the level is padded with empty (zero) subtrees up to the next power of two.
// The root of an empty tree is the zero hash.
type MerkleTree struct {
	levels [][]common.Hash
	size   uint64
}

func NewMerkleTree(leaves []common.Hash) *MerkleTree {
	if len(leaves) == 0 {
		return &MerkleTree{}
	}
	capacity := uint64(1)
	for capacity < uint64(len(leaves)) {
		capacity *= 2
	}
	bottom := make([]common.Hash, capacity)
	for i, leaf := range leaves {
		bottom[i] = crypto.Keccak256Hash(leaf.Bytes())
	}
	levels := [][]common.Hash{bottom}
	for current := bottom; len(current) > 1; {
		next := make([]common.Hash, len(current)/2)
		for i := range next {
			next[i] = hashChildren(current[2*i], current[2*i+1])
		}
		levels = append(levels, next)
		current = next
	}
	return &MerkleTree{levels: levels, size: uint64(len(leaves))}
}

func hashChildren(left, right common.Hash) common.Hash {
	if left == (common.Hash{}) && right == (common.Hash{}) {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

func (mt *MerkleTree) Hash() common.Hash {
	if len(mt.levels) == 0 {
		return common.Hash{}
	}
	return mt.levels[len(mt.levels)-1][0]
}

func (mt *MerkleTree) Size() uint64 {
	return mt.size
}

func (mt *MerkleTree) Capacity() uint64 {
	if len(mt.levels) == 0 {
		return 0
	}
	return uint64(len(mt.levels[0]))
}

// Prove builds a membership proof for the leaf at index.
func (mt *MerkleTree) Prove(index uint64, leaf common.Hash) (*MerkleProof, error) {
	if index >= mt.size {
		return nil, ErrIndexOutOfRange
	}
	proof := &MerkleProof{
		RootHash:  mt.Hash(),
		LeafHash:  leaf,
		LeafIndex: index,
	}
	position := index
	for _, level := range mt.levels[:len(mt.levels)-1] {
		proof.Proof = append(proof.Proof, level[position^1])
		position /= 2
	}
	return proof, nil
}

// Root is a shortcut for NewMerkleTree(leaves).Hash().
func Root(leaves []common.Hash) common.Hash {
	return NewMerkleTree(leaves).Hash()
}
