package stratum

//Some functions commonly used when decoding stratum messages are grouped here

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/meowminer/gominer/types"
)

//HexStringToBytes converts a hex encoded string (but as go type interface{}) to a byteslice
// If v is no valid string or the string contains invalid characters, an error is returned
func HexStringToBytes(v interface{}) (result []byte, err error) {
	stringValue, ok := v.(string)
	if !ok {
		return nil, errors.New("not a valid string")
	}
	stringValue = strings.TrimPrefix(strings.TrimPrefix(stringValue, "0x"), "0X")
	if result, err = hex.DecodeString(stringValue); err != nil {
		return nil, errors.New("not a valid hexadecimal value")
	}
	return
}

//HexStringToHash256 converts a hex encoded string parameter to a Hash256
func HexStringToHash256(v interface{}) (types.Hash256, error) {
	stringValue, ok := v.(string)
	if !ok {
		return types.Hash256{}, errors.New("not a valid string")
	}
	return types.HexToHash256(stringValue)
}

//HexStringToUint64 parses a hex string parameter, with or without 0x prefix
func HexStringToUint64(v interface{}) (uint64, error) {
	stringValue, ok := v.(string)
	if !ok {
		return 0, errors.New("not a valid string")
	}
	stringValue = strings.TrimPrefix(strings.TrimPrefix(stringValue, "0x"), "0X")
	return strconv.ParseUint(stringValue, 16, 64)
}

//NonceToHex renders a nonce the way pools expect it: 0x prefixed, full width
func NonceToHex(nonce uint64) string {
	return fmt.Sprintf("0x%016x", nonce)
}

//NBitsToBoundary expands a compact difficulty encoding into the 256 bit
// network boundary it denotes
func NBitsToBoundary(nbits uint32) (types.Hash256, error) {
	mantissa := int64(nbits & 0x007fffff)
	exponent := uint(nbits >> 24)
	if nbits&0x00800000 != 0 {
		return types.Hash256{}, fmt.Errorf("negative nbits 0x%08x", nbits)
	}
	target := big.NewInt(mantissa)
	if exponent <= 3 {
		target.Rsh(target, 8*(3-exponent))
	} else {
		target.Lsh(target, 8*(exponent-3))
	}
	if target.BitLen() > 256 {
		return types.Hash256{}, fmt.Errorf("nbits 0x%08x overflows boundary", nbits)
	}
	return types.BytesToHash256(target.Bytes()), nil
}

//ExtranonceToStartNonce places the pool provided extranonce bytes in the
// high end of the 64 bit nonce space the miner enumerates
func ExtranonceToStartNonce(extranonce string) (startNonce uint64, sizeBytes uint16, err error) {
	extranonce = strings.TrimPrefix(strings.TrimPrefix(extranonce, "0x"), "0X")
	if extranonce == "" {
		return 0, 0, nil
	}
	if len(extranonce)%2 != 0 || len(extranonce) > 16 {
		return 0, 0, fmt.Errorf("invalid extranonce %q", extranonce)
	}
	v, err := strconv.ParseUint(extranonce, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid extranonce %q", extranonce)
	}
	sizeBytes = uint16(len(extranonce) / 2)
	startNonce = v << (64 - 8*uint(sizeBytes))
	return
}
