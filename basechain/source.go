// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package basechain follows the base chain the rollup settles on.
package basechain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderSource is the subset of ethclient.Client the sequencer reads base
// chain headers through. A nil number means the latest header.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}
