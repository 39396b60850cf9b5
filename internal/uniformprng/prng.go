// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package uniformprng implements a uniform, cryptographically secure
// pseudo-random number generator.
package uniformprng

import (
	"encoding/binary"
	"io"
	"math/bits"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// Source returns cryptographically-secure pseudorandom numbers with uniform
// distribution.  It is safe for concurrent access.
type Source struct {
	mu     sync.Mutex
	buf    [4]byte
	cipher *chacha20.Cipher
}

var nonce = make([]byte, chacha20.NonceSize)

// NewSource seeds a Source from a 32-byte key.
func NewSource(seed *[32]byte) *Source {
	cipher, _ := chacha20.NewUnauthenticatedCipher(seed[:], nonce)
	return &Source{cipher: cipher}
}

// RandSource creates a Source with seed randomness read from rand.
func RandSource(rand io.Reader) (*Source, error) {
	seed := new([32]byte)
	_, err := io.ReadFull(rand, seed[:])
	if err != nil {
		return nil, err
	}
	return NewSource(seed), nil
}

func (s *Source) uint32() uint32 {
	b := s.buf[:]
	for i := range b {
		b[i] = 0
	}
	s.cipher.XORKeyStream(b, b)
	return binary.LittleEndian.Uint32(b)
}

// Uint32 returns a pseudo-random uint32.
func (s *Source) Uint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uint32()
}

// Uint32n returns a pseudo-random uint32 in range [0,n) without modulo bias.
func (s *Source) Uint32n(n uint32) uint32 {
	if n < 2 {
		return 0
	}
	n--
	mask := ^uint32(0) >> bits.LeadingZeros32(n)

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		u := s.uint32() & mask
		if u <= n {
			return u
		}
	}
}

// Intn returns a pseudo-random int in range [0,n).  It panics if n is not
// positive or does not fit in a uint32.
func (s *Source) Intn(n int) int {
	if n <= 0 || uint64(n) > 1<<32 {
		panic("uniformprng: invalid argument to Intn")
	}
	if uint64(n) == 1<<32 {
		return int(s.Uint32())
	}
	return int(s.Uint32n(uint32(n)))
}
