package farm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meowminer/gominer/types"
)

func TestEpochContextKnownSizes(t *testing.T) {
	// revision 23 values for the genesis epoch
	ec := NewEpochContext(0)
	assert.Equal(t, uint32(262139), ec.LightCacheNumItems)
	assert.Equal(t, uint64(262139)*64, ec.LightCacheSize)
	assert.Equal(t, uint32(8388593), ec.FullDatasetNumItems)
	assert.Equal(t, uint64(8388593)*128, ec.FullDatasetSize)
	assert.Equal(t, ec.LightCacheSize+ec.FullDatasetSize, ec.RequiredMemory())

	// the dataset grows with the epoch
	later := NewEpochContext(100)
	assert.Greater(t, later.FullDatasetSize, ec.FullDatasetSize)
	assert.Greater(t, later.LightCacheSize, ec.LightCacheSize)
}

func TestSeedDerivation(t *testing.T) {
	assert.Equal(t, types.Hash256{}, SeedFromEpoch(0))

	one := SeedFromEpoch(1)
	assert.False(t, one.IsZero())
	assert.Equal(t, keccak256(make([]byte, 32)), one)

	ten := SeedFromEpoch(10)
	assert.NotEqual(t, one, ten)
}

func TestEpochFromSeedRoundTrip(t *testing.T) {
	for _, epoch := range []uint32{0, 1, 7, 123} {
		seed := SeedFromEpoch(epoch)
		assert.Equal(t, int32(epoch), EpochFromSeed(seed))
	}

	bogus, _ := types.HexToHash256("0xdeadbeef")
	assert.Equal(t, int32(-1), EpochFromSeed(bogus))
}

func TestFindLargestPrime(t *testing.T) {
	assert.Equal(t, uint32(0), findLargestPrime(1))
	assert.Equal(t, uint32(2), findLargestPrime(2))
	assert.Equal(t, uint32(7), findLargestPrime(8))
	assert.Equal(t, uint32(97), findLargestPrime(100))
}
