// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package settlement turns confirmed-to-be blocks into base chain
// commitments and tracks their inclusion.
package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/optirollup/sequencer/l2types"
)

const (
	// BrotliBodyHeaderByte prefixes a brotli compressed rlp list of inputs.
	BrotliBodyHeaderByte byte = 0

	maxDecompressedLen int64 = 1024 * 1024 * 16 // 16 MiB
)

var (
	ErrBodyTooLarge      = errors.New("settlement body too large")
	ErrUnknownBodyFormat = errors.New("unknown settlement body format")
	ErrCommitmentInvalid = errors.New("commitment does not match its body")
)

// Commitment is everything posted to the base chain for one block: the
// header with its roots, the checkpoint of the parent it builds on, the
// withdrawals the withdrawal root commits to and the compressed inputs.
type Commitment struct {
	Header      *l2types.Header
	Parent      *l2types.Checkpoint `rlp:"nil"`
	Withdrawals []*l2types.WithdrawalRecord
	Body        []byte
}

func CompressBody(inputs []*l2types.Transaction, level int) ([]byte, error) {
	encoded, err := l2types.EncodeTransactions(inputs)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(encoded)/2+1))
	buf.WriteByte(BrotliBodyHeaderByte)
	writer := brotli.NewWriterLevel(buf, level)
	if _, err := writer.Write(encoded); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBody restores the inputs of a body produced by CompressBody.
func DecodeBody(body []byte) ([]*l2types.Transaction, error) {
	if len(body) == 0 || body[0] != BrotliBodyHeaderByte {
		return nil, ErrUnknownBodyFormat
	}
	reader := io.LimitReader(brotli.NewReader(bytes.NewReader(body[1:])), maxDecompressedLen)
	encoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return l2types.DecodeTransactions(encoded)
}

func NewCommitment(block *l2types.Block, parent *l2types.Checkpoint, config *Config) (*Commitment, error) {
	body, err := CompressBody(block.Inputs, config.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if len(body) > config.MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrBodyTooLarge, len(body), config.MaxBodySize)
	}
	return &Commitment{
		Header:      block.Header,
		Parent:      parent,
		Withdrawals: block.Withdrawals,
		Body:        body,
	}, nil
}

func (c *Commitment) BlockHash() common.Hash {
	return c.Header.Hash()
}

func (c *Commitment) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(c)
}

func (c *Commitment) Hash() (common.Hash, error) {
	encoded, err := c.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func DecodeCommitment(data []byte) (*Commitment, error) {
	var c Commitment
	if err := rlp.DecodeBytes(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Verify checks that the body and withdrawals hash to the header's roots and
// that the header extends its parent checkpoint.
func (c *Commitment) Verify() ([]*l2types.Transaction, error) {
	inputs, err := DecodeBody(c.Body)
	if err != nil {
		return nil, err
	}
	if root := l2types.TxRoot(inputs); root != c.Header.TxRoot {
		return nil, fmt.Errorf("%w: tx root %v, header has %v", ErrCommitmentInvalid, root, c.Header.TxRoot)
	}
	if root := l2types.WithdrawalRoot(c.Withdrawals); root != c.Header.WithdrawalRoot {
		return nil, fmt.Errorf("%w: withdrawal root %v, header has %v", ErrCommitmentInvalid, root, c.Header.WithdrawalRoot)
	}
	if c.Parent != nil && (c.Parent.Hash != c.Header.ParentHash || c.Parent.PostStateRoot != c.Header.PrevStateRoot) {
		return nil, fmt.Errorf("%w: header does not extend parent %d", ErrCommitmentInvalid, c.Parent.Number)
	}
	return inputs, nil
}
