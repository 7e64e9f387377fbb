package types

import (
	"fmt"
	"math/big"
)

var maxHash = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 256))

//diff1 is the share boundary at difficulty one
var diff1 = func() *big.Int {
	v, _ := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	return v
}()

//HashesToTarget returns the expected number of hashes needed to find a
// value below the given boundary
func HashesToTarget(boundary Hash256) float64 {
	if boundary.IsZero() {
		return 0
	}
	q := new(big.Float).Quo(maxHash, new(big.Float).SetInt(boundary.Big()))
	d, _ := q.Float64()
	return d
}

//DifficultyToBoundary converts a stratum difficulty into a share boundary
func DifficultyToBoundary(difficulty float64) (Hash256, error) {
	if difficulty <= 0 {
		return Hash256{}, fmt.Errorf("invalid difficulty %f", difficulty)
	}
	t := new(big.Float).SetInt(diff1)
	t.Quo(t, big.NewFloat(difficulty))
	i, _ := t.Int(nil)
	if i.BitLen() > 256 {
		return Hash256{}, fmt.Errorf("difficulty %f overflows boundary", difficulty)
	}
	return BytesToHash256(i.Bytes()), nil
}

//FormattedHashes renders a hash count with a magnitude suffix
func FormattedHashes(hashes float64) string {
	suffixes := []string{"h", "Kh", "Mh", "Gh", "Th", "Ph"}
	magnitude := 0
	for hashes > 1000.0 && magnitude < len(suffixes)-1 {
		hashes /= 1000.0
		magnitude++
	}
	return fmt.Sprintf("%.2f %s", hashes, suffixes[magnitude])
}

//FormattedMemory renders a byte count with a magnitude suffix
func FormattedMemory(bytes float64) string {
	suffixes := []string{"B", "KB", "MB", "GB"}
	magnitude := 0
	for bytes > 1024.0 && magnitude < len(suffixes)-1 {
		bytes /= 1024.0
		magnitude++
	}
	return fmt.Sprintf("%.2f %s", bytes, suffixes[magnitude])
}
