// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	flag "github.com/spf13/pflag"
)

type Config struct {
	BlockCacheSize    int    `koanf:"block-cache-size"`
	MaxReorgDepth     uint64 `koanf:"max-reorg-depth"`
	GenesisBaseHeight uint64 `koanf:"genesis-base-height"`
	GenesisTimestamp  uint64 `koanf:"genesis-timestamp"`
	// comma separated address:amount pairs credited in the genesis state
	GenesisAlloc string `koanf:"genesis-alloc"`
}

type ConfigFetcher func() *Config

func (c *Config) Validate() error {
	if c.MaxReorgDepth == 0 {
		return errors.New("chain max-reorg-depth must be positive")
	}
	if _, err := ParseGenesisAlloc(c.GenesisAlloc); err != nil {
		return err
	}
	return nil
}

var DefaultConfig = Config{
	BlockCacheSize:    128,
	MaxReorgDepth:     128,
	GenesisBaseHeight: 0,
	GenesisTimestamp:  0,
	GenesisAlloc:      "",
}

var TestConfig = Config{
	BlockCacheSize:    16,
	MaxReorgDepth:     32,
	GenesisBaseHeight: 0,
	GenesisTimestamp:  0,
	GenesisAlloc:      "",
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".block-cache-size", DefaultConfig.BlockCacheSize, "number of recently confirmed blocks kept in memory")
	f.Uint64(prefix+".max-reorg-depth", DefaultConfig.MaxReorgDepth, "maximum number of base chain blocks to walk back looking for a common ancestor")
	f.Uint64(prefix+".genesis-base-height", DefaultConfig.GenesisBaseHeight, "base chain height the genesis block is anchored to")
	f.Uint64(prefix+".genesis-timestamp", DefaultConfig.GenesisTimestamp, "timestamp of the genesis block")
	f.String(prefix+".genesis-alloc", DefaultConfig.GenesisAlloc, "genesis balances as comma separated address:amount pairs")
}

type GenesisAlloc map[common.Address]*uint256.Int

func ParseGenesisAlloc(s string) (GenesisAlloc, error) {
	alloc := make(GenesisAlloc)
	if strings.TrimSpace(s) == "" {
		return alloc, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
			return nil, fmt.Errorf("invalid genesis alloc entry %q", entry)
		}
		amount, err := uint256.FromDecimal(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid genesis amount %q: %w", parts[1], err)
		}
		alloc[common.HexToAddress(parts[0])] = amount
	}
	return alloc, nil
}
