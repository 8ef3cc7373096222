// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package producer

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"

	"github.com/optirollup/sequencer/producer/redislock"
)

type Config struct {
	Enable              bool             `koanf:"enable"`
	ProducerAddress     string           `koanf:"producer-address"`
	BlockInterval       time.Duration    `koanf:"block-interval" reload:"hot"`
	Debounce            time.Duration    `koanf:"debounce" reload:"hot"`
	MaxBatchCount       int              `koanf:"max-batch-count" reload:"hot"`
	MaxBatchBytes       uint64           `koanf:"max-batch-bytes" reload:"hot"`
	ConfirmationDepth   uint64           `koanf:"confirmation-depth" reload:"hot"`
	ConfirmationTimeout time.Duration    `koanf:"confirmation-timeout" reload:"hot"`
	StatusPollInterval  time.Duration    `koanf:"status-poll-interval" reload:"hot"`
	EmptyBlockInterval  time.Duration    `koanf:"empty-block-interval" reload:"hot"`
	RedisURL            string           `koanf:"redis-url"`
	Lease               redislock.Config `koanf:"lease" reload:"hot"`
}

type ConfigFetcher func() *Config

func (c *Config) Validate() error {
	if c.BlockInterval <= 0 {
		return errors.New("producer block-interval must be positive")
	}
	if c.MaxBatchCount <= 0 || c.MaxBatchBytes == 0 {
		return errors.New("producer batch limits must be positive")
	}
	if c.ConfirmationTimeout <= 0 {
		return errors.New("producer confirmation-timeout must be positive")
	}
	if c.StatusPollInterval <= 0 {
		return errors.New("producer status-poll-interval must be positive")
	}
	if c.ProducerAddress != "" && !common.IsHexAddress(c.ProducerAddress) {
		return errors.New("producer producer-address is not an address")
	}
	if c.RedisURL != "" {
		return c.Lease.Validate()
	}
	return nil
}

func (c *Config) Producer() common.Address {
	return common.HexToAddress(c.ProducerAddress)
}

var DefaultConfig = Config{
	Enable:              true,
	ProducerAddress:     "",
	BlockInterval:       2 * time.Second,
	Debounce:            100 * time.Millisecond,
	MaxBatchCount:       1024,
	MaxBatchBytes:       90_000,
	ConfirmationDepth:   2,
	ConfirmationTimeout: 5 * time.Minute,
	StatusPollInterval:  time.Second,
	EmptyBlockInterval:  0,
	RedisURL:            "",
	Lease:               redislock.DefaultConfig,
}

var TestConfig = Config{
	Enable:              true,
	ProducerAddress:     "0x0000000000000000000000000000000000000abc",
	BlockInterval:       50 * time.Millisecond,
	Debounce:            5 * time.Millisecond,
	MaxBatchCount:       64,
	MaxBatchBytes:       64 * 1024,
	ConfirmationDepth:   1,
	ConfirmationTimeout: time.Minute,
	StatusPollInterval:  10 * time.Millisecond,
	EmptyBlockInterval:  0,
	RedisURL:            "",
	Lease:               redislock.TestConfig,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", DefaultConfig.Enable, "produce blocks")
	f.String(prefix+".producer-address", DefaultConfig.ProducerAddress, "address recorded as producer in block headers")
	f.Duration(prefix+".block-interval", DefaultConfig.BlockInterval, "time between production attempts when nothing triggers one earlier")
	f.Duration(prefix+".debounce", DefaultConfig.Debounce, "delay between a new input arriving and the production attempt it triggers")
	f.Int(prefix+".max-batch-count", DefaultConfig.MaxBatchCount, "maximum number of inputs in a block")
	f.Uint64(prefix+".max-batch-bytes", DefaultConfig.MaxBatchBytes, "maximum encoded size of the inputs of a block")
	f.Uint64(prefix+".confirmation-depth", DefaultConfig.ConfirmationDepth, "base chain blocks required on top of the settlement before a block is confirmed")
	f.Duration(prefix+".confirmation-timeout", DefaultConfig.ConfirmationTimeout, "how long to wait for a submitted block to be included before discarding it")
	f.Duration(prefix+".status-poll-interval", DefaultConfig.StatusPollInterval, "how often to check the status of a submitted block")
	f.Duration(prefix+".empty-block-interval", DefaultConfig.EmptyBlockInterval, "produce an empty block if none was confirmed for this long (0 = never)")
	f.String(prefix+".redis-url", DefaultConfig.RedisURL, "redis url holding the producer lease (empty = always produce)")
	redislock.ConfigAddOptions(prefix+".lease", f)
}
