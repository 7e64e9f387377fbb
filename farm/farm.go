//Package farm distributes work packages across compute workers and
// funnels found solutions back to the pool layer.
package farm

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/meowminer/gominer/types"
)

//DAG load serialization across miners
const (
	DagLoadParallel = iota
	DagLoadSequential
)

//Settings tunes work distribution
type Settings struct {
	//Ergodicity 1 reshuffles the nonce scrambler on every new session
	Ergodicity uint
	//SegmentWidth is how many high bits select a miner's slice of the
	// nonce space; 0 means log2(miners)+8 computed at Start
	SegmentWidth uint
	DagLoadMode  int
	//HRWindowSeconds is the averaging window for hashrate reports
	HRWindowSeconds int
}

//Farm owns the miner set. One farm per process is typical, but nothing
// here is global: tests run several isolated farms side by side.
type Farm struct {
	settings Settings
	log      *zap.Logger
	slog     *zap.SugaredLogger

	miners []*Miner
	wg     sync.WaitGroup

	running atomic.Bool
	paused  atomic.Bool

	mu        sync.Mutex // protects currentWp and scrambler
	currentWp types.WorkPackage
	scrambler uint64

	statsMu sync.Mutex
	stats   []types.SolutionStats
	farmAgg types.SolutionStats

	onSolutionFound func(types.Solution)
	onFatalError    func(minerIdx int, err error)

	dagCh chan struct{}
}

func New(settings Settings, log *zap.Logger) *Farm {
	if settings.HRWindowSeconds <= 0 {
		settings.HRWindowSeconds = 60
	}
	f := &Farm{
		settings: settings,
		log:      log,
		slog:     log.Sugar(),
		dagCh:    make(chan struct{}, 1),
	}
	f.Shuffle()
	return f
}

//AddMiner registers a backend as one worker. Must be called before Start;
// the miner set is immutable afterwards.
func (f *Farm) AddMiner(backend ComputeBackend) *Miner {
	m := newMiner(len(f.miners), backend, f, f.log)
	f.miners = append(f.miners, m)
	f.statsMu.Lock()
	f.stats = append(f.stats, types.SolutionStats{})
	f.statsMu.Unlock()
	return m
}

func (f *Farm) Miners() []*Miner { return f.miners }

//OnSolutionFound installs the solution sink. Set once by the manager.
func (f *Farm) OnSolutionFound(fn func(types.Solution)) {
	f.onSolutionFound = fn
}

//OnFatalError installs the handler for unrecoverable device failures.
// The default logs at fatal level, which exits the process.
func (f *Farm) OnFatalError(fn func(minerIdx int, err error)) {
	f.onFatalError = fn
}

//Start spins up all worker loops
func (f *Farm) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	if f.settings.SegmentWidth == 0 {
		// bits.Len(n) is floor(log2(n))+1
		f.settings.SegmentWidth = uint(bits.Len(uint(len(f.miners)))) + 7
	}
	f.slog.Infow("spinning up miners", "count", len(f.miners), "segmentwidth", f.settings.SegmentWidth)
	for _, m := range f.miners {
		f.wg.Add(1)
		go m.workLoop()
	}
}

//Stop shuts all worker loops down and waits for them
func (f *Farm) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	f.slog.Info("shutting down miners")
	for _, m := range f.miners {
		m.stop()
	}
	f.wg.Wait()
}

func (f *Farm) IsMining() bool { return f.running.Load() }

//Pause suspends all miners without tearing their state down
func (f *Farm) Pause() {
	if f.paused.CompareAndSwap(false, true) {
		for _, m := range f.miners {
			m.Pause(PauseDueToFarmPaused)
		}
	}
}

//Resume lifts a farm level pause
func (f *Farm) Resume() {
	if f.paused.CompareAndSwap(true, false) {
		for _, m := range f.miners {
			m.Resume(PauseDueToFarmPaused)
		}
	}
}

func (f *Farm) Paused() bool { return f.paused.Load() }

//Ergodicity reports the configured shuffling mode
func (f *Farm) Ergodicity() uint { return f.settings.Ergodicity }

//Shuffle re-randomizes the nonce scrambler
func (f *Farm) Shuffle() {
	f.mu.Lock()
	f.scrambler = rand.Uint64()
	f.mu.Unlock()
}

//SetWork fans a package out to every miner, slicing the nonce space by
// the segment width. When the pool supplied no extranonce the farm's
// scrambler provides the search origin.
func (f *Farm) SetWork(wp types.WorkPackage) {
	f.mu.Lock()
	if wp.ExSizeBytes == 0 {
		wp.StartNonce = f.scrambler
	}
	f.currentWp = wp
	segmentWidth := f.settings.SegmentWidth
	f.mu.Unlock()

	for i, m := range f.miners {
		mwp := wp
		shift := 64 - uint(wp.ExSizeBytes)*8 - segmentWidth
		if shift < 64 {
			mwp.StartNonce = wp.StartNonce + uint64(i)<<shift
		}
		m.SetWork(mwp)
	}
}

//CurrentWork returns the last dispatched package
func (f *Farm) CurrentWork() types.WorkPackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentWp
}

//SubmitProof is called from miner goroutines with a found solution
func (f *Farm) SubmitProof(sol types.Solution) {
	if fn := f.onSolutionFound; fn != nil {
		fn(sol)
	}
}

func (f *Farm) fatal(minerIdx int, err error) {
	if fn := f.onFatalError; fn != nil {
		fn(minerIdx, err)
		return
	}
	f.slog.Fatalw("fatal device error, terminating", "miner", minerIdx, "err", err)
}

//AccountSolution records the fate of one submitted solution
func (f *Farm) AccountSolution(minerIdx int, what types.SolutionAccounting) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	if minerIdx >= 0 && minerIdx < len(f.stats) {
		f.stats[minerIdx].Account(what)
	}
	f.farmAgg.Account(what)
}

//SolutionStats returns the per miner accounting, farm aggregate last
func (f *Farm) SolutionStats() ([]types.SolutionStats, types.SolutionStats) {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	out := make([]types.SolutionStats, len(f.stats))
	copy(out, f.stats)
	return out, f.farmAgg
}

//HashRate aggregates the current rate across all miners
func (f *Farm) HashRate() float64 {
	var total float64
	for _, m := range f.miners {
		total += m.HashRate()
	}
	return total
}

//MinerStates snapshots the API view of every miner
func (f *Farm) MinerStates() []types.MinerStates {
	stats, _ := f.SolutionStats()
	out := make([]types.MinerStates, len(f.miners))
	for i, m := range f.miners {
		out[i] = types.MinerStates{
			Index:     i,
			Backend:   m.backend.Name(),
			Paused:    m.Paused(),
			PausedFor: m.PausedString(),
			Hashrate:  m.HashRate(),
			Solutions: stats[i],
		}
	}
	return out
}

//Telemetry renders the periodic one line progress report
func (f *Farm) Telemetry() string {
	_, agg := f.SolutionStats()
	out := fmt.Sprintf("%s %s", agg.Str(), types.FormattedHashes(f.HashRate()))
	for i, m := range f.miners {
		out += fmt.Sprintf(" m%d %s", i, types.FormattedHashes(m.HashRate()))
	}
	return out
}

//dagTurn serializes epoch initialization across miners when sequential
// DAG loading is configured
func (f *Farm) dagTurn() func() {
	if f.settings.DagLoadMode != DagLoadSequential {
		return func() {}
	}
	f.dagCh <- struct{}{}
	return func() { <-f.dagCh }
}
