// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package settlement

import (
	"errors"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
)

type Config struct {
	CompressionLevel int           `koanf:"compression-level" reload:"hot"`
	MaxBodySize      int           `koanf:"max-body-size" reload:"hot"`
	InboxAddress     string        `koanf:"inbox-address"`
	GasLimit         uint64        `koanf:"gas-limit" reload:"hot"`
	TipCapMultiplier uint64        `koanf:"tip-cap-multiplier" reload:"hot"`
	ReceiptTimeout   time.Duration `koanf:"receipt-timeout" reload:"hot"`
}

type ConfigFetcher func() *Config

func (c *Config) Validate() error {
	if c.CompressionLevel < brotli.BestSpeed || c.CompressionLevel > brotli.BestCompression {
		return errors.New("settlement compression-level out of range")
	}
	if c.MaxBodySize <= 0 {
		return errors.New("settlement max-body-size must be positive")
	}
	if c.InboxAddress != "" && !common.IsHexAddress(c.InboxAddress) {
		return errors.New("settlement inbox-address is not an address")
	}
	return nil
}

var DefaultConfig = Config{
	CompressionLevel: brotli.DefaultCompression,
	MaxBodySize:      100_000,
	InboxAddress:     "",
	GasLimit:         1_000_000,
	TipCapMultiplier: 1,
	ReceiptTimeout:   10 * time.Second,
}

var TestConfig = Config{
	CompressionLevel: 2,
	MaxBodySize:      100_000,
	InboxAddress:     "0x00000000000000000000000000000000000fffff",
	GasLimit:         1_000_000,
	TipCapMultiplier: 1,
	ReceiptTimeout:   time.Second,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".compression-level", DefaultConfig.CompressionLevel, "brotli compression level of the settlement body")
	f.Int(prefix+".max-body-size", DefaultConfig.MaxBodySize, "maximum compressed size of a settlement body")
	f.String(prefix+".inbox-address", DefaultConfig.InboxAddress, "base chain address commitments are sent to")
	f.Uint64(prefix+".gas-limit", DefaultConfig.GasLimit, "gas limit of a settlement transaction")
	f.Uint64(prefix+".tip-cap-multiplier", DefaultConfig.TipCapMultiplier, "multiplier applied to the suggested tip cap")
	f.Duration(prefix+".receipt-timeout", DefaultConfig.ReceiptTimeout, "timeout of a single receipt lookup")
}
