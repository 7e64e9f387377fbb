//Package pool implements the connection lifecycle engine: it ranks,
// selects, connects, monitors and fails over among the configured pool
// endpoints, and forwards work and solutions between clients and farm.
package pool

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meowminer/gominer/clients"
	"github.com/meowminer/gominer/clients/getwork"
	"github.com/meowminer/gominer/clients/simulator"
	"github.com/meowminer/gominer/clients/stratum"
	"github.com/meowminer/gominer/farm"
	"github.com/meowminer/gominer/jsonx"
	"github.com/meowminer/gominer/metrics"
	"github.com/meowminer/gominer/types"
	"github.com/meowminer/gominer/uri"
)

//exitSentinel as a host name means: terminate cleanly upon reaching it
const exitSentinel = "exit"

//Manager owns exactly one active pool client at a time. All connection
// state lives on a serialized run queue (the strand): rotate logic, the
// client event handlers and both timers execute there, so none of it
// needs locks.
type Manager struct {
	settings Settings
	farm     *farm.Farm
	metrics  *metrics.Metrics
	log      *zap.Logger
	slog     *zap.SugaredLogger

	ops          chan func()
	quitCh       chan struct{}
	quitOnce     sync.Once
	strandClosed atomic.Bool

	// strand owned state
	connections  []*uri.Endpoint
	activeIdx    int
	attemptCount uint32
	selectedHost string
	currentWp    types.WorkPackage
	client       clients.Client
	generation   uint64 // invalidates callbacks of replaced clients

	connectionSwitches atomic.Uint32
	epochChanges       atomic.Uint32
	running            atomic.Bool
	stopping           atomic.Bool
	asyncPending       atomic.Bool

	failoverTimer *time.Timer
	submitHrTimer *time.Timer

	onTermination func()
}

//New wires a manager to its farm. Metrics may be nil.
func New(settings Settings, f *farm.Farm, m *metrics.Metrics, log *zap.Logger) *Manager {
	pm := &Manager{
		settings:  settings,
		farm:      f,
		metrics:   m,
		log:       log,
		slog:      log.Sugar(),
		ops:       make(chan func(), 256),
		quitCh:    make(chan struct{}),
		currentWp: types.NewWorkPackage(),
	}

	// Solutions pass through only while a session is up. A solution for
	// a job from a pool we are no longer talking to is discarded.
	f.OnSolutionFound(func(sol types.Solution) {
		pm.post(func() {
			if pm.client != nil && pm.client.IsConnected() {
				pm.client.SubmitSolution(sol)
			} else {
				pm.slog.Warnw("solution wasted, waiting for connection",
					"nonce", stratum.NonceToHex(sol.Nonce))
				pm.farm.AccountSolution(sol.MinerIdx, types.SolutionWasted)
				pm.observeSolution(types.SolutionWasted)
			}
		})
	})

	go pm.strand()
	return pm
}

func (pm *Manager) strand() {
	for {
		select {
		case fn := <-pm.ops:
			fn()
		case <-pm.quitCh:
			return
		}
	}
}

func (pm *Manager) post(fn func()) {
	if pm.strandClosed.Load() {
		return
	}
	select {
	case pm.ops <- fn:
	case <-pm.quitCh:
	}
}

//runSync executes fn on the strand and waits for it
func (pm *Manager) runSync(fn func()) {
	done := make(chan struct{})
	pm.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-pm.quitCh:
	}
}

//OnTermination installs the hook fired when rotation runs out of
// endpoints or reaches the exit sentinel
func (pm *Manager) OnTermination(fn func()) {
	pm.onTermination = fn
}

//Start begins connecting. Valid exactly once per manager lifetime.
func (pm *Manager) Start() error {
	if !pm.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	pm.asyncPending.Store(true)
	pm.connectionSwitches.Add(1)
	pm.observeSwitch()
	pm.post(pm.rotateConnect)
	return nil
}

//Stop disconnects, shuts the miners down and waits until the engine is
// fully quiescent. Idempotent.
func (pm *Manager) Stop() {
	if !pm.running.Load() {
		return
	}
	pm.asyncPending.Store(true)
	pm.stopping.Store(true)

	var connected bool
	pm.runSync(func() {
		connected = pm.client != nil && pm.client.IsConnected()
		if connected {
			pm.client.Disconnect()
		}
	})

	if connected {
		// the disconnect handler observes stopping and clears running
		for pm.running.Load() {
			time.Sleep(100 * time.Millisecond)
		}
	} else {
		pm.runSync(func() {
			pm.cancelFailoverTimer()
			pm.cancelSubmitHrTimer()
			if pm.farm.IsMining() {
				pm.farm.Stop()
			}
			pm.running.Store(false)
		})
	}

	pm.quitOnce.Do(func() {
		pm.strandClosed.Store(true)
		close(pm.quitCh)
	})
}

//AddConnection parses and appends an endpoint. Allowed any time.
func (pm *Manager) AddConnection(connstring string) error {
	ep, err := uri.Parse(connstring)
	if err != nil {
		return err
	}
	pm.runSync(func() {
		pm.connections = append(pm.connections, ep)
	})
	return nil
}

//RemoveConnection drops the endpoint at idx. The active connection and
// any index under reconfiguration are refused.
func (pm *Manager) RemoveConnection(idx int) error {
	if pm.asyncPending.Load() {
		return ErrBusy
	}
	var err error
	pm.runSync(func() {
		if idx < 0 || idx >= len(pm.connections) {
			err = ErrOutOfBounds
			return
		}
		if idx == pm.activeIdx {
			err = ErrActiveConnection
			return
		}
		pm.connections = append(pm.connections[:idx], pm.connections[idx+1:]...)
		if pm.activeIdx > idx {
			pm.activeIdx--
		}
	})
	return err
}

//SetActiveConnection elects the endpoint at idx; the current session is
// dropped so the rotate path lands on it
func (pm *Manager) SetActiveConnection(idx int) error {
	var err error
	pm.runSync(func() {
		if idx < 0 || idx >= len(pm.connections) {
			err = ErrOutOfBounds
			return
		}
		err = pm.setActiveConnectionCommon(idx)
	})
	return err
}

//SetActiveConnectionByName elects the first endpoint whose canonical
// string matches connstring, case insensitively
func (pm *Manager) SetActiveConnectionByName(connstring string) error {
	err := ErrNotFound
	pm.runSync(func() {
		for idx := range pm.connections {
			if strings.EqualFold(pm.connections[idx].String(), connstring) {
				err = pm.setActiveConnectionCommon(idx)
				return
			}
		}
	})
	return err
}

//setActiveConnectionCommon runs on the strand
func (pm *Manager) setActiveConnectionCommon(idx int) error {
	if !pm.asyncPending.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if idx != pm.activeIdx {
		pm.connectionSwitches.Add(1)
		pm.observeSwitch()
		pm.activeIdx = idx
		pm.attemptCount = 0
		if pm.client != nil {
			pm.client.Disconnect()
		}
	} else {
		pm.asyncPending.Store(false)
	}
	return nil
}

//GetConnectionsJson renders the configured connection list
func (pm *Manager) GetConnectionsJson() []byte {
	var out []byte
	pm.runSync(func() {
		list := make([]types.PoolStates, len(pm.connections))
		for i, ep := range pm.connections {
			list[i] = types.PoolStates{
				Index:  i,
				URI:    ep.String(),
				Active: i == pm.activeIdx,
			}
			if list[i].Active {
				list[i].Host = pm.selectedHost
				list[i].Connected = pm.client != nil && pm.client.IsConnected()
				list[i].Epoch = pm.currentWp.Epoch
				list[i].Diff = types.HashesToTarget(pm.currentWp.Boundary)
			}
		}
		out, _ = jsonx.Marshal(list)
	})
	return out
}

func (pm *Manager) ActiveConnection() (s string) {
	pm.runSync(func() {
		if pm.activeIdx < len(pm.connections) {
			s = pm.connections[pm.activeIdx].String()
		}
	})
	return
}

func (pm *Manager) CurrentEpoch() (epoch int32) {
	pm.runSync(func() { epoch = pm.currentWp.Epoch })
	return
}

func (pm *Manager) CurrentDifficulty() (d float64) {
	pm.runSync(func() {
		if pm.currentWp.Present() {
			d = types.HashesToTarget(pm.currentWp.Boundary)
		}
	})
	return
}

func (pm *Manager) ConnectionSwitches() uint32 { return pm.connectionSwitches.Load() }
func (pm *Manager) EpochChanges() uint32       { return pm.epochChanges.Load() }
func (pm *Manager) IsRunning() bool            { return pm.running.Load() }

func (pm *Manager) IsConnected() (connected bool) {
	pm.runSync(func() { connected = pm.client != nil && pm.client.IsConnected() })
	return
}

func (pm *Manager) SelectedHost() (host string) {
	pm.runSync(func() { host = pm.selectedHost })
	return
}

//rotateConnect selects the next connection and initiates it. It runs on
// the strand for three triggers: Start, a disconnect, and the failover
// timer. First match wins: unrecoverable endpoints are dropped, then the
// retry budget advances the index, otherwise the same endpoint is tried
// again.
func (pm *Manager) rotateConnect() {
	if pm.stopping.Load() {
		return
	}
	if pm.client != nil && pm.client.IsConnected() {
		return
	}

	if pm.activeIdx >= len(pm.connections) {
		pm.activeIdx = 0
	}

	if len(pm.connections) > 0 && pm.connections[pm.activeIdx].IsUnrecoverable() {
		pm.slog.Warnw("dropping unrecoverable pool", "pool", pm.connections[pm.activeIdx].String())
		pm.connections = append(pm.connections[:pm.activeIdx], pm.connections[pm.activeIdx+1:]...)
		pm.attemptCount = 0
		if pm.activeIdx >= len(pm.connections) {
			pm.activeIdx = 0
		}
		pm.connectionSwitches.Add(1)
		pm.observeSwitch()
	} else if pm.attemptCount >= pm.settings.ConnectionMaxRetries {
		if len(pm.connections) == 1 {
			// the only connection keeps retrying until stopped manually
			pm.attemptCount = 0
		} else {
			pm.attemptCount = 0
			pm.activeIdx++
			if pm.activeIdx >= len(pm.connections) {
				pm.activeIdx = 0
			}
			pm.connectionSwitches.Add(1)
			pm.observeSwitch()
		}
	}

	if len(pm.connections) == 0 || pm.connections[pm.activeIdx].Host() == exitSentinel {
		if len(pm.connections) == 0 {
			pm.slog.Info("no more connections to try, exiting")
		} else {
			pm.slog.Info("'exit' failover just got hit, exiting")
		}
		if pm.farm.IsMining() {
			pm.farm.Stop()
		}
		pm.running.Store(false)
		if pm.onTermination != nil {
			pm.onTermination()
		}
		return
	}

	ep := pm.connections[pm.activeIdx]
	pm.generation++
	switch ep.Family() {
	case uri.FamilyGetwork:
		pm.client = getwork.New(pm.settings.GetWorkPollInterval, pm.settings.NoResponseTimeout, pm.log)
	case uri.FamilySimulation:
		pm.client = simulator.New(pm.settings.BenchmarkBlock, pm.settings.BenchmarkDiff, pm.log)
	default:
		pm.client = stratum.New(pm.settings.NoWorkTimeout, pm.settings.NoResponseTimeout, pm.log)
	}
	pm.setClientHandlers()

	pm.attemptCount++
	pm.selectedHost = ep.Address()
	pm.client.SetConnection(ep)
	pm.slog.Infow("selected pool", "pool", pm.selectedHost)
	pm.client.Connect()
}

//setClientHandlers binds the five events. Callbacks marshal onto the
// strand and carry the client generation so events from a replaced
// client become no-ops.
func (pm *Manager) setClientHandlers() {
	gen := pm.generation

	pm.client.OnConnected(func() {
		pm.post(func() {
			if gen != pm.generation {
				return
			}
			pm.handleConnected()
		})
	})
	pm.client.OnDisconnected(func() {
		pm.post(func() {
			if gen != pm.generation {
				return
			}
			pm.handleDisconnected()
		})
	})
	pm.client.OnWorkReceived(func(wp types.WorkPackage) {
		pm.post(func() {
			if gen != pm.generation {
				return
			}
			pm.handleWorkReceived(wp)
		})
	})
	pm.client.OnSolutionAccepted(func(elapsed time.Duration, minerIdx int, asStale bool) {
		pm.post(func() {
			if gen != pm.generation {
				return
			}
			stale := ""
			if asStale {
				stale = " stale"
			}
			pm.slog.Infof("**Accepted%s %4d ms. %s", stale, elapsed.Milliseconds(), pm.selectedHost)
			pm.farm.AccountSolution(minerIdx, types.SolutionAccepted)
			pm.observeSolution(types.SolutionAccepted)
		})
	})
	pm.client.OnSolutionRejected(func(elapsed time.Duration, minerIdx int) {
		pm.post(func() {
			if gen != pm.generation {
				return
			}
			pm.slog.Warnf("**Rejected %4d ms. %s", elapsed.Milliseconds(), pm.selectedHost)
			pm.farm.AccountSolution(minerIdx, types.SolutionRejected)
			pm.observeSolution(types.SolutionRejected)
		})
	})
}

func (pm *Manager) handleConnected() {
	if pm.stopping.Load() {
		pm.client.Disconnect()
		return
	}
	ep := pm.client.Connection()

	// when the host is a name, show the endpoint it resolved to
	if t := ep.HostNameType(); t == uri.HostNameDns || t == uri.HostNameBasic {
		if resolved := pm.client.ActiveEndPoint(); resolved != "" {
			pm.selectedHost = ep.Host() + " [" + resolved + "]"
		}
	}
	pm.slog.Infow("established connection", "pool", pm.selectedHost)

	pm.currentWp = types.NewWorkPackage()

	if pm.farm.Ergodicity() == 1 {
		pm.farm.Shuffle()
	}

	// return to the primary pool after the configured stay on a failover;
	// rescheduled on every connect so a mid-wait reconnect starts over
	pm.cancelFailoverTimer()
	if pm.activeIdx != 0 && pm.settings.PoolFailoverTimeout > 0 {
		pm.failoverTimer = time.AfterFunc(pm.settings.PoolFailoverTimeout, func() {
			pm.post(pm.failoverElapsed)
		})
	}

	if !pm.farm.IsMining() {
		pm.farm.Start()
	} else if pm.farm.Paused() {
		pm.slog.Info("resume mining")
		pm.farm.Resume()
	}

	if pm.settings.ReportHashrate {
		pm.armSubmitHrTimer()
	}

	if pm.metrics != nil {
		pm.metrics.SetConnected(true)
	}
	pm.asyncPending.Store(false)
}

func (pm *Manager) handleDisconnected() {
	pm.slog.Infow("disconnected", "pool", pm.selectedHost)

	pm.client.UnsetConnection()
	pm.currentWp = types.NewWorkPackage()

	pm.cancelFailoverTimer()
	pm.cancelSubmitHrTimer()
	if pm.metrics != nil {
		pm.metrics.SetConnected(false)
	}

	if pm.stopping.Load() {
		if pm.farm.IsMining() {
			pm.farm.Stop()
		}
		pm.running.Store(false)
	} else {
		pm.asyncPending.Store(true)
		pm.slog.Info("no connection, suspend mining")
		pm.farm.Pause()
		pm.post(pm.rotateConnect)
	}
}

func (pm *Manager) handleWorkReceived(wp types.WorkPackage) {
	// should not happen
	if !wp.Present() || wp.Block < 0 {
		pm.slog.Warn("invalid work package received")
		return
	}

	if wp.Epoch < 0 {
		wp.Epoch = int32(wp.Block / types.EpochLength)
	}

	newEpoch := true
	newDiff := true
	if pm.currentWp.Present() {
		newEpoch = pm.currentWp.Epoch != wp.Epoch
		newDiff = pm.currentWp.GetBoundary() != wp.GetBoundary()
	}

	pm.currentWp = wp

	if newEpoch {
		pm.epochChanges.Add(1)
		if pm.metrics != nil {
			pm.metrics.ObserveEpochChange()
		}
	}
	if newEpoch || newDiff {
		pm.showMiningAt()
	}

	pm.slog.Infow("job", "header", pm.currentWp.Header.Abridged(),
		"block", pm.currentWp.Block, "pool", pm.selectedHost)

	pm.farm.SetWork(pm.currentWp)
}

func (pm *Manager) showMiningAt() {
	if !pm.currentWp.Present() {
		return
	}
	d := types.HashesToTarget(pm.currentWp.GetBoundary())
	pm.slog.Infow("mining at",
		"epoch", pm.currentWp.Epoch,
		"difficulty", types.FormattedHashes(d))
}

func (pm *Manager) failoverElapsed() {
	if !pm.running.Load() {
		return
	}
	if pm.activeIdx != 0 {
		pm.activeIdx = 0
		pm.attemptCount = 0
		pm.connectionSwitches.Add(1)
		pm.observeSwitch()
		pm.slog.Info("failover timeout reached, retrying connection to primary pool")
		if pm.client != nil {
			pm.client.Disconnect()
		}
	}
}

func (pm *Manager) submitHrElapsed() {
	if !pm.running.Load() {
		return
	}
	rate := pm.farm.HashRate()
	if pm.client != nil && pm.client.IsConnected() {
		pm.client.SubmitHashrate(uint32(rate), pm.settings.HashRateID)
	}
	if pm.metrics != nil {
		pm.metrics.SetHashrate(rate)
	}
	pm.armSubmitHrTimer()
}

func (pm *Manager) armSubmitHrTimer() {
	pm.cancelSubmitHrTimer()
	pm.submitHrTimer = time.AfterFunc(pm.settings.HashRateInterval, func() {
		pm.post(pm.submitHrElapsed)
	})
}

func (pm *Manager) cancelFailoverTimer() {
	if pm.failoverTimer != nil {
		pm.failoverTimer.Stop()
		pm.failoverTimer = nil
	}
}

func (pm *Manager) cancelSubmitHrTimer() {
	if pm.submitHrTimer != nil {
		pm.submitHrTimer.Stop()
		pm.submitHrTimer = nil
	}
}

func (pm *Manager) observeSwitch() {
	if pm.metrics != nil {
		pm.metrics.ObserveConnectionSwitch()
	}
}

func (pm *Manager) observeSolution(what types.SolutionAccounting) {
	if pm.metrics != nil {
		pm.metrics.ObserveSolution(what.String())
	}
}

//Status snapshots the whole core for the HTTP API
func (pm *Manager) Status() types.MinerStatus {
	var st types.MinerStatus
	pm.runSync(func() {
		st = types.MinerStatus{
			Miners:     pm.farm.MinerStates(),
			Hashrate:   pm.farm.HashRate(),
			Epoch:      pm.currentWp.Epoch,
			Difficulty: types.HashesToTarget(pm.currentWp.Boundary),
			Switches:   pm.connectionSwitches.Load(),
			Running:    pm.running.Load(),
			Time:       time.Now().Unix(),
		}
		for i, ep := range pm.connections {
			ps := types.PoolStates{Index: i, URI: ep.String(), Active: i == pm.activeIdx}
			if ps.Active {
				ps.Host = pm.selectedHost
				ps.Connected = pm.client != nil && pm.client.IsConnected()
			}
			st.Pools = append(st.Pools, ps)
		}
	})
	return st
}
