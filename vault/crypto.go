// Copyright (c) 2020 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"runtime"

	"github.com/coinvault/vaultd/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// KDFParams describes the difficulty and parallelism requirements for the
// Argon2id KDF deriving the key which seals private keychains.
type KDFParams struct {
	Salt    [16]byte
	Time    uint32
	Memory  uint32
	Threads uint8
}

// NewKDFParams returns the minimum recommended parameters for the Argon2id
// KDF with a random salt.  Randomness is read from rand.
func NewKDFParams(rand io.Reader) (*KDFParams, error) {
	ncpu := runtime.NumCPU()
	if ncpu > 256 {
		ncpu = 256
	}
	p := &KDFParams{
		Time:    1,
		Memory:  256 * 1024, // 256 MiB
		Threads: uint8(ncpu),
	}
	_, err := io.ReadFull(rand, p.Salt[:])
	return p, err
}

// kdfParamsLen is the length of the marshaled KDF parameters.
const kdfParamsLen = 25

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *KDFParams) MarshalBinary() ([]byte, error) {
	b := make([]byte, kdfParamsLen)
	copy(b, p.Salt[:])
	binary.LittleEndian.PutUint32(b[16:16+4], p.Time)
	binary.LittleEndian.PutUint32(b[16+4:16+8], p.Memory)
	b[16+8] = p.Threads
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *KDFParams) UnmarshalBinary(data []byte) error {
	if len(data) != kdfParamsLen {
		return errors.E(errors.Encoding, "invalid marshaled Argon2id parameters")
	}
	copy(p.Salt[:], data)
	p.Time = binary.LittleEndian.Uint32(data[16:])
	p.Memory = binary.LittleEndian.Uint32(data[16+4:])
	p.Threads = data[16+8]
	return nil
}

// deriveKey derives the secretbox key from a passphrase.
func (p *KDFParams) deriveKey(passphrase []byte) *[32]byte {
	defer runtime.GC()
	k := argon2.IDKey(passphrase, p.Salt[:], p.Time, p.Memory, p.Threads, 32)
	key := new([32]byte)
	copy(key[:], k)
	return key
}

const nonceLen = 24

// seal encrypts and authenticates plaintext with a random nonce.  The nonce is
// prepended to the returned ciphertext.
func seal(key *[32]byte, plaintext []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.E(errors.Crypto, err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// open authenticates and decrypts a ciphertext produced by seal.
func open(key *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceLen+secretbox.Overhead {
		return nil, errors.E(errors.Crypto, "sealed data too short")
	}
	var nonce [nonceLen]byte
	copy(nonce[:], sealed)
	plaintext, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, key)
	if !ok {
		return nil, errors.E(errors.Crypto, "authentication failed")
	}
	return plaintext, nil
}

// keyCheckPlaintext is sealed at creation time to verify passphrases.
var keyCheckPlaintext = []byte("vaultd passphrase check")
