package types

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

//HashSize is the length in bytes of a 256 bit hash
const HashSize = 32

//Hash256 is a 256 bit value: headers, seeds, boundaries and mix hashes
type Hash256 [HashSize]byte

var errBadHashString = errors.New("not a valid 256 bit hex value")

//HexToHash256 parses a hex string, with or without 0x prefix, into a Hash256.
// Short input is left padded with zeroes, the way pools encode boundaries.
func HexToHash256(s string) (h Hash256, err error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) > HashSize {
		return Hash256{}, errBadHashString
	}
	copy(h[HashSize-len(raw):], raw)
	return h, nil
}

//BytesToHash256 copies b into a Hash256, left padding short input
func BytesToHash256(b []byte) (h Hash256) {
	if len(b) > HashSize {
		b = b[len(b)-HashSize:]
	}
	copy(h[HashSize-len(b):], b)
	return
}

func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

//Hex returns the 0x prefixed hex representation
func (h Hash256) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

//Abridged returns the first four bytes of the hash, for log lines
func (h Hash256) Abridged() string {
	return hex.EncodeToString(h[:4]) + "…"
}

//Big returns the hash interpreted as a big endian unsigned integer
func (h Hash256) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

//Cmp compares two hashes as big endian unsigned integers
func (h Hash256) Cmp(other Hash256) int {
	for i := 0; i < HashSize; i++ {
		if h[i] != other[i] {
			if h[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

//Upper64 returns the most significant 64 bits of the hash.
// Kernels compare only this part of the boundary.
func (h Hash256) Upper64() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(h[i])
	}
	return v
}
