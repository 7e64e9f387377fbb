package pool

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

//Errors surfaced by manager operations
var (
	ErrAlreadyRunning   = errors.New("pool manager already running")
	ErrBusy             = errors.New("outstanding operations, retry")
	ErrOutOfBounds      = errors.New("connection index out of bounds")
	ErrActiveConnection = errors.New("can't remove active connection")
	ErrNotFound         = errors.New("connection not found")
)

//Settings holds every policy knob of the connection engine
type Settings struct {
	GetWorkPollInterval  time.Duration // cadence of eth_getWork requests
	NoWorkTimeout        time.Duration // drop the session when no job arrives in this window
	NoResponseTimeout    time.Duration // drop the session when a submission gets no reply
	PoolFailoverTimeout  time.Duration // return to the primary pool after this long, 0 never
	ReportHashrate       bool
	HashRateInterval     time.Duration
	HashRateID           string // 256 bit identifier sent along with hashrate reports
	ConnectionMaxRetries uint32
	BenchmarkBlock       uint64
	BenchmarkDiff        float64
}

//DefaultSettings mirrors the documented option defaults
func DefaultSettings() Settings {
	return Settings{
		GetWorkPollInterval:  time.Second,
		NoWorkTimeout:        100000 * time.Second,
		NoResponseTimeout:    2 * time.Second,
		PoolFailoverTimeout:  0,
		ReportHashrate:       false,
		HashRateInterval:     60 * time.Second,
		HashRateID:           RandomHashRateID(),
		ConnectionMaxRetries: 9000,
		BenchmarkBlock:       0,
		BenchmarkDiff:        1.0,
	}
}

//RandomHashRateID returns a fresh per process 256 bit identifier
func RandomHashRateID() string {
	var raw [32]byte
	rand.Read(raw[:])
	return "0x" + hex.EncodeToString(raw[:])
}
