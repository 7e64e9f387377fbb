package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkPackagePresent(t *testing.T) {
	wp := NewWorkPackage()
	assert.False(t, wp.Present())
	assert.Equal(t, int32(-1), wp.Epoch)
	assert.Equal(t, int64(-1), wp.Block)

	wp.Header, _ = HexToHash256("0x11")
	assert.True(t, wp.Present())
}

func TestGetBoundaryPicksTheEasier(t *testing.T) {
	share, _ := HexToHash256("0x00000000ffff0000000000000000000000000000000000000000000000000000")
	network, _ := HexToHash256("0x000000ffff000000000000000000000000000000000000000000000000000000")

	wp := NewWorkPackage()
	wp.Boundary = share

	// no network floor: the share boundary rules
	assert.Equal(t, share, wp.GetBoundary())

	// the numerically larger (easier) boundary wins
	wp.BlockBoundary = network
	assert.Equal(t, network, wp.GetBoundary())

	// share boundary already easier than the floor
	wp.Boundary, wp.BlockBoundary = network, share
	assert.Equal(t, network, wp.GetBoundary())
}

func TestHash256Helpers(t *testing.T) {
	h, err := HexToHash256("0xff")
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), h[31])
	assert.False(t, h.IsZero())

	_, err = HexToHash256("zz")
	assert.Error(t, err)

	full, err := HexToHash256("0xffffffffffffffff000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), full.Upper64())

	assert.Equal(t, 0, full.Cmp(full))
	assert.Equal(t, 1, full.Cmp(h))
	assert.Equal(t, -1, h.Cmp(full))
}

func TestDifficultyToBoundary(t *testing.T) {
	b, err := DifficultyToBoundary(1.0)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000ffff0000000000000000000000000000000000000000000000000000", b.Hex())

	harder, err := DifficultyToBoundary(2.0)
	require.NoError(t, err)
	assert.Equal(t, -1, harder.Cmp(b))

	_, err = DifficultyToBoundary(0)
	assert.Error(t, err)
}

func TestHashesToTarget(t *testing.T) {
	b, _ := DifficultyToBoundary(1.0)
	d := HashesToTarget(b)
	// difficulty one is about 2^32 hashes
	assert.InEpsilon(t, math.Pow(2, 32), d, 0.001)
	assert.Zero(t, HashesToTarget(Hash256{}))
}

func TestSolutionStatsStr(t *testing.T) {
	var ss SolutionStats
	assert.Equal(t, "A0", ss.Str())

	ss.Account(SolutionAccepted)
	ss.Account(SolutionAccepted)
	ss.Account(SolutionRejected)
	ss.Account(SolutionWasted)
	assert.Equal(t, "A2:W1:R1", ss.Str())
	assert.NotZero(t, ss.Tstamp)
}

func TestFormattedHashes(t *testing.T) {
	assert.Equal(t, "500.00 h", FormattedHashes(500))
	assert.Equal(t, "1.50 Mh", FormattedHashes(1500000))
}
