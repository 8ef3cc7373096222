// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package statedb

var (
	blockPrefix      []byte = []byte("b") // maps a block number to a confirmed block
	blockHashPrefix  []byte = []byte("h") // maps a block hash to its number
	checkpointPrefix []byte = []byte("c") // maps a block number to its checkpoint
	baseHashPrefix   []byte = []byte("l") // maps a base-chain height to the hash we anchored to

	chainStatusKey []byte = []byte("_chainStatus") // contains the rlp encoded ChainStatus
)

const blockStoreTablePrefix = "sequencer/"
