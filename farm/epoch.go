package farm

import (
	"golang.org/x/crypto/sha3"

	"github.com/meowminer/gominer/types"
)

//DAG growth parameters, revision 23
const (
	lightCacheItemSize  = 64
	fullDatasetItemSize = 128
	lightCacheInitSize  = 1 << 24
	lightCacheGrowth    = 1 << 17
	fullDatasetInitSize = 1 << 30
	fullDatasetGrowth   = 1 << 23

	//maxEpoch bounds the seed reverse lookup
	maxEpoch = 65536
)

//EpochContext carries everything a backend needs to build the DAG for
// one epoch
type EpochContext struct {
	EpochNumber         uint32
	Seed                types.Hash256
	LightCacheNumItems  uint32
	LightCacheSize      uint64
	FullDatasetNumItems uint32
	FullDatasetSize     uint64
}

//NewEpochContext computes sizes and seed for the given epoch
func NewEpochContext(epoch uint32) *EpochContext {
	lightItems := calcLightCacheNumItems(epoch)
	fullItems := calcFullDatasetNumItems(epoch)
	return &EpochContext{
		EpochNumber:         epoch,
		Seed:                SeedFromEpoch(epoch),
		LightCacheNumItems:  lightItems,
		LightCacheSize:      uint64(lightItems) * lightCacheItemSize,
		FullDatasetNumItems: fullItems,
		FullDatasetSize:     uint64(fullItems) * fullDatasetItemSize,
	}
}

//RequiredMemory is the device memory footprint of cache plus dataset
func (ec *EpochContext) RequiredMemory() uint64 {
	return ec.LightCacheSize + ec.FullDatasetSize
}

func keccak256(data []byte) (out types.Hash256) {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return
}

//SeedFromEpoch derives the epoch seed hash: keccak-256 iterated epoch
// times over the zero hash
func SeedFromEpoch(epoch uint32) types.Hash256 {
	var seed types.Hash256
	for i := uint32(0); i < epoch; i++ {
		seed = keccak256(seed[:])
	}
	return seed
}

//EpochFromSeed recovers the epoch number a seed hash denotes, or -1 when
// it matches no epoch below the lookup bound
func EpochFromSeed(seed types.Hash256) int32 {
	var probe types.Hash256
	for i := uint32(0); i < maxEpoch; i++ {
		if probe == seed {
			return int32(i)
		}
		probe = keccak256(probe[:])
	}
	return -1
}

func isPrime(n uint32) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := uint32(3); d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}

//findLargestPrime returns the largest prime not greater than upperBound,
// 0 when upperBound <= 1
func findLargestPrime(upperBound uint32) uint32 {
	for n := upperBound; n > 1; n-- {
		if isPrime(n) {
			return n
		}
	}
	return 0
}

func calcLightCacheNumItems(epoch uint32) uint32 {
	size := uint64(lightCacheInitSize) + uint64(lightCacheGrowth)*uint64(epoch) - lightCacheItemSize
	return findLargestPrime(uint32(size / lightCacheItemSize))
}

func calcFullDatasetNumItems(epoch uint32) uint32 {
	size := uint64(fullDatasetInitSize) + uint64(fullDatasetGrowth)*uint64(epoch) - fullDatasetItemSize
	return findLargestPrime(uint32(size / fullDatasetItemSize))
}
