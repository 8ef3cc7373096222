// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/optirollup/sequencer/cmd/confighelpers"
	"github.com/optirollup/sequencer/cmd/genericconf"
	"github.com/optirollup/sequencer/node"
)

type PersistentConfig struct {
	Chain   string `koanf:"chain"`
	LogDir  string `koanf:"log-dir"`
	Handles int    `koanf:"handles"`
	Cache   int    `koanf:"cache"`
}

var PersistentConfigDefault = PersistentConfig{
	Chain:   "",
	LogDir:  "",
	Handles: 512,
	Cache:   256,
}

func PersistentConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".chain", PersistentConfigDefault.Chain, "directory to store chain state (empty keeps everything in memory)")
	f.String(prefix+".log-dir", PersistentConfigDefault.LogDir, "directory to store log file")
	f.Int(prefix+".handles", PersistentConfigDefault.Handles, "number of file descriptor handles to use for the database")
	f.Int(prefix+".cache", PersistentConfigDefault.Cache, "database cache in MB")
}

type BaseChainConfig struct {
	URL                     string        `koanf:"url"`
	DepositContract         string        `koanf:"deposit-contract"`
	ConnectionRetryInterval time.Duration `koanf:"connection-retry-interval"`
}

var BaseChainConfigDefault = BaseChainConfig{
	URL:                     "",
	DepositContract:         "",
	ConnectionRetryInterval: 5 * time.Second,
}

func BaseChainConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".url", BaseChainConfigDefault.URL, "base chain node RPC URL")
	f.String(prefix+".deposit-contract", BaseChainConfigDefault.DepositContract, "address emitting Deposit events (empty disables deposits)")
	f.Duration(prefix+".connection-retry-interval", BaseChainConfigDefault.ConnectionRetryInterval, "delay between attempts to connect to the base chain")
}

type DevConfig struct {
	Enable    bool          `koanf:"enable"`
	BlockTime time.Duration `koanf:"block-time"`
}

var DevConfigDefault = DevConfig{
	Enable:    false,
	BlockTime: time.Second,
}

func DevConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", DevConfigDefault.Enable, "run against a simulated in-process base chain")
	f.Duration(prefix+".block-time", DevConfigDefault.BlockTime, "block time of the simulated base chain")
}

type SequencerConfig struct {
	Conf          genericconf.ConfConfig          `koanf:"conf"`
	Node          node.Config                     `koanf:"node"`
	BaseChain     BaseChainConfig                 `koanf:"base-chain"`
	Wallet        genericconf.WalletConfig        `koanf:"wallet"`
	Dev           DevConfig                       `koanf:"dev"`
	Persistent    PersistentConfig                `koanf:"persistent"`
	HTTP          genericconf.HTTPConfig          `koanf:"http"`
	WS            genericconf.WSConfig            `koanf:"ws"`
	RPC           genericconf.RpcConfig           `koanf:"rpc"`
	LogLevel      string                          `koanf:"log-level"`
	LogType       string                          `koanf:"log-type"`
	FileLogging   genericconf.FileLoggingConfig   `koanf:"file-logging"`
	Metrics       bool                            `koanf:"metrics"`
	MetricsServer genericconf.MetricsServerConfig `koanf:"metrics-server"`
}

var SequencerConfigDefault = SequencerConfig{
	Conf:          genericconf.ConfConfigDefault,
	Node:          node.ConfigDefault,
	BaseChain:     BaseChainConfigDefault,
	Wallet:        genericconf.WalletConfigDefault,
	Dev:           DevConfigDefault,
	Persistent:    PersistentConfigDefault,
	HTTP:          genericconf.HTTPConfigDefault,
	WS:            genericconf.WSConfigDefault,
	RPC:           genericconf.DefaultRpcConfig,
	LogLevel:      "INFO",
	LogType:       "plaintext",
	FileLogging:   genericconf.DefaultFileLoggingConfig,
	Metrics:       false,
	MetricsServer: genericconf.MetricsServerConfigDefault,
}

func SequencerConfigAddOptions(f *flag.FlagSet) {
	genericconf.ConfConfigAddOptions("conf", f)
	node.ConfigAddOptions("node", f)
	BaseChainConfigAddOptions("base-chain", f)
	genericconf.WalletConfigAddOptions("wallet", f, "")
	DevConfigAddOptions("dev", f)
	PersistentConfigAddOptions("persistent", f)
	genericconf.HTTPConfigAddOptions("http", f)
	genericconf.WSConfigAddOptions("ws", f)
	genericconf.RpcConfigAddOptions("rpc", f)
	f.String("log-level", SequencerConfigDefault.LogLevel, "log level, valid values are CRIT, ERROR, WARN, INFO, DEBUG, TRACE")
	f.String("log-type", SequencerConfigDefault.LogType, "log type (plaintext or json)")
	genericconf.FileLoggingConfigAddOptions("file-logging", f)
	f.Bool("metrics", SequencerConfigDefault.Metrics, "enable metrics")
	genericconf.MetricsServerAddOptions("metrics-server", f)
}

func (c *SequencerConfig) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if c.Dev.Enable {
		if c.Dev.BlockTime <= 0 {
			return errors.New("dev.block-time must be positive")
		}
		return nil
	}
	if c.BaseChain.URL == "" {
		return errors.New("base-chain.url is required outside of dev mode")
	}
	if c.BaseChain.DepositContract != "" && !common.IsHexAddress(c.BaseChain.DepositContract) {
		return fmt.Errorf("invalid base-chain.deposit-contract %q", c.BaseChain.DepositContract)
	}
	if c.Node.Producer.Enable && c.Node.Settlement.InboxAddress == "" {
		return errors.New("node.settlement.inbox-address is required to produce blocks")
	}
	return nil
}

func ParseSequencer(args []string) (*SequencerConfig, error) {
	f := flag.NewFlagSet("", flag.ContinueOnError)
	SequencerConfigAddOptions(f)

	k, err := confighelpers.BeginCommonParse(f, args)
	if err != nil {
		return nil, err
	}
	var config SequencerConfig
	if err := confighelpers.EndCommonParse(k, &config); err != nil {
		return nil, err
	}
	if config.Conf.Dump {
		// exits
		err = confighelpers.DumpConfig(k, map[string]interface{}{
			"wallet.password":    "",
			"wallet.private-key": "",
		})
		if err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
