package stratum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexStringToBytes(t *testing.T) {
	b, err := HexStringToBytes("0xdead")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, b)

	b, err = HexStringToBytes("beef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xbe, 0xef}, b)

	_, err = HexStringToBytes(42)
	assert.Error(t, err)
	_, err = HexStringToBytes("zz")
	assert.Error(t, err)
}

func TestHexStringToUint64(t *testing.T) {
	v, err := HexStringToUint64("0x1b44b6")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1b44b6), v)

	_, err = HexStringToUint64(nil)
	assert.Error(t, err)
}

func TestNonceToHex(t *testing.T) {
	assert.Equal(t, "0x000000000000dead", NonceToHex(0xdead))
	assert.Equal(t, "0xffffffffffffffff", NonceToHex(^uint64(0)))
}

func TestExtranonceToStartNonce(t *testing.T) {
	start, size, err := ExtranonceToStartNonce("ab01")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), size)
	assert.Equal(t, uint64(0xab01)<<48, start)

	start, size, err = ExtranonceToStartNonce("")
	require.NoError(t, err)
	assert.Zero(t, start)
	assert.Zero(t, size)

	_, _, err = ExtranonceToStartNonce("abc")
	assert.Error(t, err)
	_, _, err = ExtranonceToStartNonce("aabbccddeeff00112233")
	assert.Error(t, err)
}

func TestNBitsToBoundary(t *testing.T) {
	// the classic difficulty one compact form
	b, err := NBitsToBoundary(0x1d00ffff)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000ffff0000000000000000000000000000000000000000000000000000", b.Hex())

	_, err = NBitsToBoundary(0x1d80ffff)
	assert.Error(t, err)
}
