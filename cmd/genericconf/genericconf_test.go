// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package genericconf

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/optirollup/sequencer/util/testhelpers"
)

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

func TestToSlogLevel(t *testing.T) {
	for str, expected := range map[string]slog.Level{
		"crit":  log.LevelCrit,
		"ERROR": log.LevelError,
		"warn":  log.LevelWarn,
		"Info":  log.LevelInfo,
		"DEBUG": log.LevelDebug,
		"trace": log.LevelTrace,
	} {
		level, err := ToSlogLevel(str)
		Require(t, err, str)
		require.Equal(t, expected, level, str)
	}
	_, err := ToSlogLevel("loud")
	require.Error(t, err)
}

func TestHandlerFromLogType(t *testing.T) {
	var buf bytes.Buffer
	handler, err := HandlerFromLogType("json", &buf)
	Require(t, err)
	log.NewLogger(handler).Info("hello", "key", 7)
	require.Contains(t, buf.String(), `"key":7`)

	_, err = HandlerFromLogType("xml", &buf)
	require.Error(t, err)
}

func TestInitLogWritesFile(t *testing.T) {
	dir := t.TempDir()
	config := DefaultFileLoggingConfig
	config.Enable = true
	config.Compress = false
	Require(t, InitLog("json", "INFO", &config, DefaultPathResolver(dir)))
	t.Cleanup(func() { _ = globalFileLogger.close() })

	log.Info("file logging works", "n", 1)
	log.Debug("below the level")
	Require(t, globalFileLogger.close())

	data, err := os.ReadFile(filepath.Join(dir, config.File))
	Require(t, err)
	require.Contains(t, string(data), "file logging works")
	require.NotContains(t, string(data), "below the level")
}

func TestWalletOpenKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	Require(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)

	wallet := WalletConfigDefault
	_, err = wallet.OpenKey()
	require.ErrorIs(t, err, ErrNoWallet)

	wallet.PrivateKey = "0x" + hex.EncodeToString(crypto.FromECDSA(key))
	opened, err := wallet.OpenKey()
	Require(t, err)
	require.Equal(t, address, crypto.PubkeyToAddress(opened.PublicKey))

	encrypted, err := keystore.EncryptKey(&keystore.Key{Address: address, PrivateKey: key}, "secret", keystore.LightScryptN, keystore.LightScryptP)
	Require(t, err)
	dir := t.TempDir()
	Require(t, os.WriteFile(filepath.Join(dir, "key.json"), encrypted, 0600))

	wallet = WalletConfigDefault
	wallet.Pathname = "key.json"
	wallet.ResolveDirectoryNames(dir)
	require.True(t, strings.HasPrefix(wallet.Pathname, dir))
	_, err = wallet.OpenKey()
	require.Error(t, err)

	wallet.Password = "secret"
	opened, err = wallet.OpenKey()
	Require(t, err)
	require.Equal(t, address, crypto.PubkeyToAddress(opened.PublicKey))
}

func TestFileLoggerDropsWhenFull(t *testing.T) {
	logger := &fileLogger{records: make(chan []byte, 1)}
	n, err := logger.Write([]byte("first"))
	Require(t, err)
	require.Equal(t, 5, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = logger.Write([]byte("second"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write blocked on a full buffer")
	}
	require.Len(t, logger.records, 1)
}
