package types

import "time"

const (
	//EpochLength is the number of blocks sharing one DAG.
	// MeowPoW keeps the DAG growth rate of a 30000 block epoch at 15s
	// block time by using 7500 blocks at 1 min.
	EpochLength = 7500

	//PeriodLength is the number of blocks sharing one compiled kernel
	PeriodLength = 3
)

//WorkPackage describes one mining job as handed out by a pool.
// A package is present iff the header is non zero.
type WorkPackage struct {
	Job           string
	Header        Hash256
	Seed          Hash256
	Boundary      Hash256
	BlockBoundary Hash256

	Epoch int32 // -1 when the pool did not provide it
	Block int64 // -1 when the pool did not provide it

	StartNonce  uint64
	ExSizeBytes uint16 // count of pool provided extranonce bytes

	Algo string
}

//NewWorkPackage returns an empty package with unknown epoch and block
func NewWorkPackage() WorkPackage {
	return WorkPackage{Epoch: -1, Block: -1, Algo: "meowpow"}
}

//Present reports whether this package carries an actual job
func (wp *WorkPackage) Present() bool {
	return !wp.Header.IsZero()
}

//GetBoundary returns the effective share boundary. When the network
// demands less than the pool, the block boundary floors it: the easier
// (numerically larger) of the two wins so miners never search below
// what the chain would accept.
func (wp *WorkPackage) GetBoundary() Hash256 {
	if wp.BlockBoundary.IsZero() {
		return wp.Boundary
	}
	if wp.Boundary.Cmp(wp.BlockBoundary) < 0 {
		return wp.BlockBoundary
	}
	return wp.Boundary
}

//Solution is a found nonce together with the package it solves
type Solution struct {
	Nonce    uint64
	MixHash  Hash256
	Work     WorkPackage
	Tstamp   time.Time
	MinerIdx int
}
