// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package mempool

import (
	"errors"
	"time"

	flag "github.com/spf13/pflag"
)

type Config struct {
	MaxStaged               int           `koanf:"max-staged" reload:"hot"`
	MaxTxSize               uint64        `koanf:"max-tx-size" reload:"hot"`
	NonceFailureCacheSize   int           `koanf:"nonce-failure-cache-size" reload:"hot"`
	NonceFailureCacheExpiry time.Duration `koanf:"nonce-failure-cache-expiry" reload:"hot"`
	CommittedDepositsCache  int           `koanf:"committed-deposits-cache"`
}

type ConfigFetcher func() *Config

func (c *Config) Validate() error {
	if c.MaxStaged <= 0 {
		return errors.New("mempool max-staged must be positive")
	}
	if c.MaxTxSize == 0 {
		return errors.New("mempool max-tx-size must be positive")
	}
	if c.NonceFailureCacheExpiry <= 0 {
		return errors.New("mempool nonce-failure-cache-expiry must be positive")
	}
	return nil
}

var DefaultConfig = Config{
	MaxStaged:               8192,
	MaxTxSize:               32 * 1024,
	NonceFailureCacheSize:   1024,
	NonceFailureCacheExpiry: time.Minute,
	CommittedDepositsCache:  16384,
}

var TestConfig = Config{
	MaxStaged:               128,
	MaxTxSize:               4096,
	NonceFailureCacheSize:   64,
	NonceFailureCacheExpiry: time.Second,
	CommittedDepositsCache:  256,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".max-staged", DefaultConfig.MaxStaged, "maximum number of staged inputs before ingestion is refused")
	f.Uint64(prefix+".max-tx-size", DefaultConfig.MaxTxSize, "maximum encoded size of a single input")
	f.Int(prefix+".nonce-failure-cache-size", DefaultConfig.NonceFailureCacheSize, "number of transactions with too high of a nonce to keep in memory while waiting for their predecessor")
	f.Duration(prefix+".nonce-failure-cache-expiry", DefaultConfig.NonceFailureCacheExpiry, "maximum amount of time to wait for a predecessor before dropping a tx with nonce too high")
	f.Int(prefix+".committed-deposits-cache", DefaultConfig.CommittedDepositsCache, "number of committed deposit ids remembered to refuse duplicate deposits")
}
