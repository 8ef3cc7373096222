// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package node

import (
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/optirollup/sequencer/basechain"
	"github.com/optirollup/sequencer/chain"
	"github.com/optirollup/sequencer/generator"
	"github.com/optirollup/sequencer/mempool"
	"github.com/optirollup/sequencer/producer"
	"github.com/optirollup/sequencer/settlement"
)

type Config struct {
	Generator      generator.Config       `koanf:"generator"`
	MemPool        mempool.Config         `koanf:"mempool" reload:"hot"`
	Chain          chain.Config           `koanf:"chain"`
	BaseChain      basechain.ReaderConfig `koanf:"base-chain"`
	Settlement     settlement.Config      `koanf:"settlement" reload:"hot"`
	Producer       producer.Config        `koanf:"producer" reload:"hot"`
	FollowInterval time.Duration          `koanf:"follow-interval" reload:"hot"`
}

type ConfigFetcher func() *Config

func (c *Config) Validate() error {
	if err := c.MemPool.Validate(); err != nil {
		return err
	}
	if err := c.Chain.Validate(); err != nil {
		return err
	}
	if err := c.Settlement.Validate(); err != nil {
		return err
	}
	if c.Producer.Enable {
		if err := c.Producer.Validate(); err != nil {
			return fmt.Errorf("invalid producer config: %w", err)
		}
	}
	if c.FollowInterval <= 0 {
		return errors.New("follow-interval must be positive")
	}
	return nil
}

var ConfigDefault = Config{
	Generator:      generator.DefaultConfig,
	MemPool:        mempool.DefaultConfig,
	Chain:          chain.DefaultConfig,
	BaseChain:      basechain.DefaultReaderConfig,
	Settlement:     settlement.DefaultConfig,
	Producer:       producer.DefaultConfig,
	FollowInterval: 5 * time.Second,
}

func ConfigTest() *Config {
	config := ConfigDefault
	config.Generator = generator.TestConfig
	config.MemPool = mempool.TestConfig
	config.Chain = chain.TestConfig
	config.BaseChain = basechain.TestReaderConfig
	config.Settlement = settlement.TestConfig
	config.Producer = producer.TestConfig
	config.FollowInterval = 20 * time.Millisecond
	return &config
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	generator.ConfigAddOptions(prefix+".generator", f)
	mempool.ConfigAddOptions(prefix+".mempool", f)
	chain.ConfigAddOptions(prefix+".chain", f)
	basechain.ReaderConfigAddOptions(prefix+".base-chain", f)
	settlement.ConfigAddOptions(prefix+".settlement", f)
	producer.ConfigAddOptions(prefix+".producer", f)
	f.Duration(prefix+".follow-interval", ConfigDefault.FollowInterval, "how often to check the base chain head when no new head was announced")
}
