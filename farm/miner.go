package farm

import (
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/meowminer/gominer/statistics"
	"github.com/meowminer/gominer/types"
)

//Pause reasons, one bit each. A miner is paused iff any bit is set.
const (
	PauseDueToOverHeating uint32 = 1 << iota
	PauseDueToAPIRequest
	PauseDueToFarmPaused
	PauseDueToInsufficientMemory
	PauseDueToInitEpochError
)

var pauseNames = map[uint32]string{
	PauseDueToOverHeating:        "overheating",
	PauseDueToAPIRequest:         "api request",
	PauseDueToFarmPaused:         "farm paused",
	PauseDueToInsufficientMemory: "insufficient memory",
	PauseDueToInitEpochError:     "epoch init error",
}

//Miner owns one compute backend and runs its search loop on a dedicated
// goroutine. The farm synchronizes all calls into it.
type Miner struct {
	index   int
	backend ComputeBackend
	farm    *Farm
	log     *zap.SugaredLogger

	xwork   sync.Mutex // protects work
	work    types.WorkPackage
	newWork atomic.Bool
	kick    chan struct{}

	pauseFlags atomic.Uint32

	stopCh  chan struct{}
	stopped atomic.Bool

	hashrate statistics.HashRate

	// kernel slots: exec searches while comp compiles the next period
	execIx      int
	compIx      int
	nextPeriod  uint64
	compileDone chan struct{}
}

func newMiner(index int, backend ComputeBackend, farm *Farm, log *zap.Logger) *Miner {
	return &Miner{
		index:   index,
		backend: backend,
		farm:    farm,
		log:     log.Sugar().With("miner", index, "backend", backend.Name()),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		compIx:  1,
	}
}

func (m *Miner) Index() int { return m.index }

//SetWork hands the miner a fresh package and kicks it awake
func (m *Miner) SetWork(wp types.WorkPackage) {
	m.xwork.Lock()
	var cp types.WorkPackage
	copier.Copy(&cp, &wp)
	m.work = cp
	m.xwork.Unlock()
	m.KickMiner()
}

//KickMiner wakes the worker loop out of its idle wait
func (m *Miner) KickMiner() {
	m.newWork.Store(true)
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Miner) currentWork() types.WorkPackage {
	m.xwork.Lock()
	defer m.xwork.Unlock()
	return m.work
}

//Pause sets one pause reason bit
func (m *Miner) Pause(reason uint32) {
	m.pauseFlags.Or(reason)
	m.KickMiner()
}

//Resume clears one pause reason bit
func (m *Miner) Resume(reason uint32) {
	m.pauseFlags.And(^reason)
	m.KickMiner()
}

//Paused reports whether any pause reason is active
func (m *Miner) Paused() bool {
	return m.pauseFlags.Load() != 0
}

//PauseTest checks one specific pause reason
func (m *Miner) PauseTest(reason uint32) bool {
	return m.pauseFlags.Load()&reason != 0
}

//PausedString lists the active pause reasons
func (m *Miner) PausedString() string {
	flags := m.pauseFlags.Load()
	var reasons []string
	for bit, name := range pauseNames {
		if flags&bit != 0 {
			reasons = append(reasons, name)
		}
	}
	return strings.Join(reasons, ", ")
}

//HashRate returns the recent average hashes per second
func (m *Miner) HashRate() float64 {
	return m.hashrate.Rate(m.farm.settings.HRWindowSeconds)
}

func (m *Miner) shouldStop() bool {
	return m.stopped.Load()
}

func (m *Miner) stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
		m.KickMiner()
	}
}

//workLoop is the dedicated worker goroutine
func (m *Miner) workLoop() {
	defer m.farm.wg.Done()

	if err := m.backend.InitDevice(); err != nil {
		m.log.Errorw("device initialization failed, miner not started", "err", err)
		return
	}

	oldEpoch := int32(-1)
	oldPeriod := int64(-1)

	for !m.shouldStop() {
		if !m.newWork.CompareAndSwap(true, false) {
			m.idleWait()
			continue
		}

		w := m.currentWork()
		if !w.Present() {
			continue
		}
		if m.Paused() {
			// keep the flag so the package is picked up on resume
			m.newWork.Store(true)
			m.idleWait()
			continue
		}

		if w.Epoch >= 0 && w.Epoch != oldEpoch {
			if !m.initEpoch(&w) {
				continue
			}
			oldEpoch = w.Epoch
			if m.newWork.Load() {
				continue
			}
		}

		period := w.Block / types.PeriodLength
		if m.nextPeriod == 0 {
			m.nextPeriod = uint64(period)
			m.joinCompile()
			m.asyncCompile()
		}
		if oldPeriod != period {
			m.joinCompile()
			if uint64(period) != m.nextPeriod {
				// a period was skipped, recover with a synchronous build
				m.log.Warnw("period sequence anomaly, recompiling", "expected", m.nextPeriod, "got", period)
				m.nextPeriod = uint64(period)
				// build into the slot the swap below lands on
				m.compIx = m.execIx ^ 1
				m.asyncCompile()
				m.joinCompile()
			}
			oldPeriod = period
			m.execIx ^= 1
			m.log.Debugw("launching period kernel", "period", period)
			m.nextPeriod = uint64(period) + 1
			m.asyncCompile()
		}

		upperTarget := w.GetBoundary().Upper64()
		if upperTarget == math.MaxUint64 {
			m.log.Warn("difficulty too low for device, skipping job")
			continue
		}

		m.search(w, upperTarget)
	}

	m.joinCompile()
}

func (m *Miner) idleWait() {
	timer := time.NewTimer(50 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-m.kick:
	case <-timer.C:
	case <-m.stopCh:
	}
}

//initEpoch regenerates the DAG. Failures pause only this miner; a fatal
// device error takes the process down.
func (m *Miner) initEpoch(w *types.WorkPackage) bool {
	release := m.farm.dagTurn()
	defer release()

	m.Resume(PauseDueToInsufficientMemory)
	m.Resume(PauseDueToInitEpochError)

	ctx := NewEpochContext(uint32(w.Epoch))
	if !w.Seed.IsZero() {
		ctx.Seed = w.Seed
	}

	m.log.Infow("generating DAG",
		"epoch", ctx.EpochNumber,
		"size", types.FormattedMemory(float64(ctx.RequiredMemory())))
	start := time.Now()

	err := m.backend.InitEpoch(ctx)
	if err == nil {
		m.log.Infow("DAG generated", "epoch", ctx.EpochNumber, "elapsed", time.Since(start))
		return true
	}

	var fatal *FatalDeviceError
	switch {
	case errors.As(err, &fatal):
		m.farm.fatal(m.index, err)
	case errors.Is(err, ErrInsufficientMemory):
		m.log.Warnw("mining suspended on device", "err", err)
		m.Pause(PauseDueToInsufficientMemory)
	default:
		m.log.Warnw("mining suspended on device", "err", err)
		m.Pause(PauseDueToInitEpochError)
	}
	return false
}

//search launches backend batches until new work, a pause or shutdown
func (m *Miner) search(w types.WorkPackage, upperTarget uint64) {
	startNonce := w.StartNonce
	// the hashrate ring takes one hashes per second sample per second
	sampleStart := time.Now()
	var sampleHashes float64
	for !m.newWork.Load() && !m.shouldStop() && !m.Paused() {
		results, hashes, err := m.backend.Search(m.execIx, w, startNonce, upperTarget)
		if err != nil {
			var fatal *FatalDeviceError
			if errors.As(err, &fatal) {
				m.farm.fatal(m.index, err)
				return
			}
			m.log.Warnw("search batch failed", "err", err)
			m.Pause(PauseDueToInitEpochError)
			return
		}
		for _, r := range results {
			m.farm.SubmitProof(types.Solution{
				Nonce:    r.Nonce,
				MixHash:  r.Mix,
				Work:     w,
				Tstamp:   time.Now(),
				MinerIdx: m.index,
			})
			m.log.Infow("solution found", "job", w.Header.Abridged(), "nonce", r.Nonce)
		}
		sampleHashes += float64(hashes)
		if elapsed := time.Since(sampleStart); elapsed >= time.Second {
			m.hashrate.Add(sampleHashes / elapsed.Seconds())
			sampleStart = time.Now()
			sampleHashes = 0
		}
		startNonce += uint64(hashes)
	}
}

func (m *Miner) asyncCompile() {
	done := make(chan struct{})
	m.compileDone = done
	period := m.nextPeriod
	slot := m.compIx
	go func() {
		defer close(done)
		if err := m.backend.CompileKernel(period, slot); err != nil {
			m.log.Errorw("kernel compilation failed", "period", period, "err", err)
		}
	}()
	m.compIx ^= 1
}

func (m *Miner) joinCompile() {
	if m.compileDone != nil {
		<-m.compileDone
	}
}
