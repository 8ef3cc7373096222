// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package genericconf

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	flag "github.com/spf13/pflag"
)

const PASSWORD_NOT_SET = "PASSWORD_NOT_SET"

var ErrNoWallet = errors.New("no wallet configured")

// WalletConfig names the key settlement transactions are signed with, either
// as a raw hex private key or as an encrypted keystore file.
type WalletConfig struct {
	Pathname   string `koanf:"pathname"`
	Password   string `koanf:"password"`
	PrivateKey string `koanf:"private-key"`
}

func (w *WalletConfig) Pwd() *string {
	if w.Password == PASSWORD_NOT_SET {
		return nil
	}
	return &w.Password
}

var WalletConfigDefault = WalletConfig{
	Pathname:   "",
	Password:   PASSWORD_NOT_SET,
	PrivateKey: "",
}

func WalletConfigAddOptions(prefix string, f *flag.FlagSet, defaultPathname string) {
	f.String(prefix+".pathname", defaultPathname, "path of an encrypted keystore file")
	f.String(prefix+".password", WalletConfigDefault.Password, "keystore passphrase")
	f.String(prefix+".private-key", WalletConfigDefault.PrivateKey, "hex encoded private key")
}

// ResolveDirectoryNames makes a relative keystore path relative to dir.
func (w *WalletConfig) ResolveDirectoryNames(dir string) {
	if len(w.Pathname) != 0 && !filepath.IsAbs(w.Pathname) {
		w.Pathname = filepath.Join(dir, w.Pathname)
	}
}

// OpenKey returns the configured private key.
func (w *WalletConfig) OpenKey() (*ecdsa.PrivateKey, error) {
	if w.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(w.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return key, nil
	}
	if w.Pathname == "" {
		return nil, ErrNoWallet
	}
	password := w.Pwd()
	if password == nil {
		return nil, errors.New("keystore configured without a password")
	}
	data, err := os.ReadFile(w.Pathname)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(data, *password)
	if err != nil {
		return nil, fmt.Errorf("decrypting keystore %s: %w", w.Pathname, err)
	}
	return key.PrivateKey, nil
}
