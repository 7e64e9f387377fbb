//Package simulator provides a pool client that hands out synthetic work
// at a configured difficulty, for benchmarking without a network.
package simulator

import (
	"sync"
	"sync/atomic"
	"time"

	solsha3 "github.com/miguelmota/go-solidity-sha3"
	"go.uber.org/zap"

	"github.com/meowminer/gominer/clients"
	"github.com/meowminer/gominer/types"
)

//Client emits one synthetic job on connect and accepts every solution
type Client struct {
	clients.BaseClient

	block      uint64
	difficulty float64
	log        *zap.SugaredLogger

	connected atomic.Bool
	endOnce   sync.Once
}

//New builds a simulator for the given benchmark block and difficulty
func New(benchmarkBlock uint64, benchmarkDiff float64, log *zap.Logger) *Client {
	if benchmarkDiff <= 0 {
		benchmarkDiff = 1.0
	}
	return &Client{
		block:      benchmarkBlock,
		difficulty: benchmarkDiff,
		log:        log.Sugar(),
	}
}

func (sc *Client) IsConnected() bool {
	return sc.connected.Load()
}

func (sc *Client) ActiveEndPoint() string {
	if !sc.connected.Load() {
		return ""
	}
	return "simulator"
}

//Connect establishes the synthetic session and emits the benchmark job
func (sc *Client) Connect() {
	if !sc.connected.CompareAndSwap(false, true) {
		return
	}
	sc.EmitConnected()

	boundary, err := types.DifficultyToBoundary(sc.difficulty)
	if err != nil {
		sc.log.Warnw("invalid benchmark difficulty", "diff", sc.difficulty, "err", err)
		sc.terminate()
		return
	}

	wp := types.NewWorkPackage()
	// deterministic synthetic header so benchmark runs are reproducible
	wp.Header = types.BytesToHash256(solsha3.SoliditySHA3(
		solsha3.String("meowpow-benchmark"),
		solsha3.Uint64(sc.block),
	))
	wp.Job = wp.Header.Hex()
	wp.Boundary = boundary
	wp.Block = int64(sc.block)
	wp.Epoch = int32(sc.block / types.EpochLength)
	sc.EmitWorkReceived(wp)
}

//SubmitSolution accepts everything: the simulator measures throughput,
// not share validity
func (sc *Client) SubmitSolution(sol types.Solution) {
	if !sc.connected.Load() {
		return
	}
	start := time.Now()
	go func() {
		sc.EmitSolutionAccepted(time.Since(start), sol.MinerIdx, false)
	}()
}

func (sc *Client) SubmitHashrate(rate uint32, id string) {}

//Disconnect ends the synthetic session
func (sc *Client) Disconnect() {
	sc.terminate()
}

func (sc *Client) terminate() {
	sc.endOnce.Do(func() {
		sc.connected.Store(false)
		sc.EmitDisconnected()
	})
}
