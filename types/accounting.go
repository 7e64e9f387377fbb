package types

import (
	"strconv"
	"time"
)

//SolutionAccounting classifies the fate of a submitted solution
type SolutionAccounting int

const (
	SolutionAccepted SolutionAccounting = iota
	SolutionRejected
	SolutionWasted // found while no pool connection was up
	SolutionFailed
)

func (sa SolutionAccounting) String() string {
	switch sa {
	case SolutionAccepted:
		return "accepted"
	case SolutionRejected:
		return "rejected"
	case SolutionWasted:
		return "wasted"
	case SolutionFailed:
		return "failed"
	}
	return "unknown"
}

//SolutionStats accumulates per miner solution accounting
type SolutionStats struct {
	Accepted uint32 `json:"accepted"`
	Rejected uint32 `json:"rejected"`
	Wasted   uint32 `json:"wasted"`
	Failed   uint32 `json:"failed"`
	Tstamp   int64  `json:"tstamp"`
}

func (ss *SolutionStats) Account(what SolutionAccounting) {
	switch what {
	case SolutionAccepted:
		ss.Accepted++
	case SolutionRejected:
		ss.Rejected++
	case SolutionWasted:
		ss.Wasted++
	case SolutionFailed:
		ss.Failed++
	}
	ss.Tstamp = time.Now().Unix()
}

//Str renders the compact A:W:R:F form used in periodic telemetry lines
func (ss SolutionStats) Str() string {
	out := "A" + strconv.FormatUint(uint64(ss.Accepted), 10)
	if ss.Wasted > 0 {
		out += ":W" + strconv.FormatUint(uint64(ss.Wasted), 10)
	}
	if ss.Rejected > 0 {
		out += ":R" + strconv.FormatUint(uint64(ss.Rejected), 10)
	}
	if ss.Failed > 0 {
		out += ":F" + strconv.FormatUint(uint64(ss.Failed), 10)
	}
	return out
}
