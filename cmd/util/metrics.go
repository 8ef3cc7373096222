// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package util

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"

	"github.com/optirollup/sequencer/cmd/genericconf"
)

// StartMetrics serves the registered metrics on the configured address.
func StartMetrics(enable bool, config *genericconf.MetricsServerConfig) error {
	if !enable {
		return nil
	}
	if config.Addr == "" {
		return errors.New("metrics enabled without metrics-server.addr")
	}
	metrics.Enable()
	go metrics.CollectProcessMetrics(config.UpdateInterval)
	exp.Setup(fmt.Sprintf("%v:%v", config.Addr, config.Port))
	return nil
}
