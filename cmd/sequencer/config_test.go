// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/util/testhelpers"
)

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

func TestDefaultsParse(t *testing.T) {
	config, err := ParseSequencer([]string{"--dev.enable"})
	Require(t, err)
	expected := SequencerConfigDefault
	expected.Dev.Enable = true
	require.Equal(t, expected.Node, config.Node)
	require.Equal(t, expected.Dev, config.Dev)
	require.Equal(t, expected.HTTP.Port, config.HTTP.Port)
	require.Equal(t, expected.LogType, config.LogType)
}

func TestBaseChainRequiredOutsideDev(t *testing.T) {
	_, err := ParseSequencer([]string{})
	require.ErrorContains(t, err, "base-chain.url")

	_, err = ParseSequencer([]string{"--base-chain.url", "ws://localhost:8546"})
	require.ErrorContains(t, err, "inbox-address")

	_, err = ParseSequencer([]string{
		"--base-chain.url", "ws://localhost:8546",
		"--node.settlement.inbox-address", "0x00000000000000000000000000000000000fffff",
	})
	Require(t, err)
}

func TestConfigFileAndOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")
	Require(t, os.WriteFile(file, []byte(`{
		"dev": {"enable": true, "block-time": "250ms"},
		"node": {"producer": {"max-batch-count": 17}, "mempool": {"max-staged": 99}}
	}`), 0600))

	t.Setenv("SEQTEST_NODE_PRODUCER_MAX__BATCH__COUNT", "23")
	config, err := ParseSequencer([]string{
		"--conf.file", file,
		"--conf.env-prefix", "SEQTEST",
		"--node.mempool.max-staged", "7",
	})
	Require(t, err)
	require.True(t, config.Dev.Enable)
	require.Equal(t, 250*time.Millisecond, config.Dev.BlockTime)
	require.Equal(t, 23, config.Node.Producer.MaxBatchCount)
	require.Equal(t, 7, config.Node.MemPool.MaxStaged)
}

func TestConfigString(t *testing.T) {
	config, err := ParseSequencer([]string{
		"--dev.enable",
		"--conf.string", `{"log-level": "DEBUG"}`,
	})
	Require(t, err)
	require.Equal(t, "DEBUG", config.LogLevel)
}

func TestUnknownConfigFieldRejected(t *testing.T) {
	_, err := ParseSequencer([]string{"--dev.enable", "--conf.string", `{"no-such-option": 1}`})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "no-such-option"), err.Error())
}
