// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package testhelpers

import (
	"crypto/ecdsa"
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TestAccount is a deterministic key pair, identical across test runs for the
// same name.
type TestAccount struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

func NewTestAccount(t *testing.T, name string) *TestAccount {
	t.Helper()
	var counter [8]byte
	for i := uint64(0); ; i++ {
		binary.BigEndian.PutUint64(counter[:], i)
		seed := crypto.Keccak256([]byte("test account"), []byte(name), counter[:])
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			continue
		}
		return &TestAccount{
			Key:     key,
			Address: crypto.PubkeyToAddress(key.PublicKey),
		}
	}
}
