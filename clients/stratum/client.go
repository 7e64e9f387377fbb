package stratum

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meowminer/gominer/clients"
	"github.com/meowminer/gominer/types"
	"github.com/meowminer/gominer/uri"
)

//clientVersion is what we present in mining.subscribe
const clientVersion = "gominer/1.0"

//Connection lifecycle states
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateSubscribing
	stateAuthorizing
	stateConnected
)

//Client runs the stratum protocol against one endpoint. One instance
// serves one connection attempt and is never reused.
type Client struct {
	clients.BaseClient

	noWorkTimeout     time.Duration
	noResponseTimeout time.Duration
	log               *zap.SugaredLogger

	state atomic.Int32
	conn  *Conn

	endOnce sync.Once // onDisconnected is the last event, exactly once

	mu             sync.Mutex // session fields below
	variant        uri.StratumVariant
	currentJob     string
	sessionTarget  types.Hash256 // from mining.set_difficulty / set_target
	startNonce     uint64
	exSizeBytes    uint16
	activeEndPoint string
	ready          bool // onConnected emitted, jobs may flow
	pendingWp      *types.WorkPackage

	noWorkTimer *time.Timer
}

//New builds a stratum client with the given protocol timeouts
func New(noWorkTimeout, noResponseTimeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		noWorkTimeout:     noWorkTimeout,
		noResponseTimeout: noResponseTimeout,
		log:               log.Sugar(),
	}
}

func (sc *Client) IsConnected() bool {
	return sc.state.Load() == stateConnected
}

//ActiveEndPoint returns the resolved remote address once connected
func (sc *Client) ActiveEndPoint() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.activeEndPoint
}

//Connect starts the session. Redundant calls while a session is live or
// being established are no-ops.
func (sc *Client) Connect() {
	if !sc.state.CompareAndSwap(stateDisconnected, stateConnecting) {
		return
	}
	go sc.run()
}

func (sc *Client) run() {
	ep := sc.Connection()
	if ep == nil {
		sc.terminate()
		return
	}

	conn, err := Dial(ep.Address(), ep.Secure(), 10*time.Second)
	if err != nil {
		sc.log.Warnw("stratum dial failed", "pool", ep.Address(), "err", err)
		sc.terminate()
		return
	}
	sc.conn = conn
	conn.ErrorCallback = func(err error) {
		sc.log.Debugw("stratum socket error", "err", err)
		sc.Disconnect()
	}
	sc.installHandlers(conn, ep)

	sc.state.Store(stateSubscribing)
	variant, err := sc.negotiate(conn, ep)
	if err != nil {
		sc.log.Warnw("stratum session rejected", "pool", ep.Address(), "err", err)
		sc.terminate()
		return
	}

	sc.mu.Lock()
	sc.variant = variant
	sc.activeEndPoint = conn.RemoteAddr()
	sc.mu.Unlock()

	sc.state.Store(stateConnected)
	sc.armNoWorkTimer()
	sc.EmitConnected()

	// a job that raced the authorization reply waits here so that
	// onConnected always precedes onWorkReceived
	sc.mu.Lock()
	sc.ready = true
	pending := sc.pendingWp
	sc.pendingWp = nil
	sc.mu.Unlock()
	if pending != nil {
		sc.EmitWorkReceived(*pending)
	}
}

//negotiate walks the sub protocol ladder: EthereumStratum/2.0.0, then
// /1.0.0, then the eth_submitLogin style, falling back only on explicit
// protocol error replies.
func (sc *Client) negotiate(conn *Conn, ep *uri.Endpoint) (uri.StratumVariant, error) {
	ladder := []uri.StratumVariant{uri.EthereumStratum2, uri.EthereumStratum1, uri.StratumNiceHash}
	if ep.Variant() == uri.EthereumStratum2 {
		ladder = []uri.StratumVariant{uri.EthereumStratum2}
	}

	var lastErr error
	for _, variant := range ladder {
		switch variant {
		case uri.EthereumStratum2, uri.EthereumStratum1:
			proto := "EthereumStratum/2.0.0"
			if variant == uri.EthereumStratum1 {
				proto = "EthereumStratum/1.0.0"
			}
			result, err := conn.Call("mining.subscribe", []interface{}{clientVersion, proto}, sc.noResponseTimeout)
			if err != nil {
				if rpcErr, ok := err.(*RPCError); ok {
					if strings.Contains(strings.ToLower(rpcErr.Message), "subscri") {
						ep.MarkUnrecoverable()
						return variant, err
					}
					lastErr = err
					continue // explicit protocol error, try the next rung
				}
				return variant, err
			}
			sc.applySubscribeResult(result)

			sc.state.Store(stateAuthorizing)
			if _, err := conn.Call("mining.authorize",
				[]interface{}{ep.UserDotWorker(), ep.Pass()}, sc.noResponseTimeout); err != nil {
				if _, ok := err.(*RPCError); ok {
					// the pool rejected these credentials, retrying cannot fix it
					ep.MarkUnrecoverable()
				}
				return variant, err
			}
			return variant, nil

		case uri.StratumNiceHash:
			sc.state.Store(stateAuthorizing)
			if _, err := conn.Call("eth_submitLogin",
				[]interface{}{ep.UserDotWorker(), ep.Pass()}, sc.noResponseTimeout); err != nil {
				if _, ok := err.(*RPCError); ok {
					ep.MarkUnrecoverable()
				}
				return variant, err
			}
			return variant, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no stratum sub protocol agreed")
	}
	return uri.StratumAuto, lastErr
}

//applySubscribeResult keeps the session extranonce from a subscribe reply
// shaped [details, extranonce] or [details, extranonce, size]
func (sc *Client) applySubscribeResult(result interface{}) {
	reply, ok := result.([]interface{})
	if !ok || len(reply) < 2 {
		return
	}
	ex, ok := reply[1].(string)
	if !ok {
		return
	}
	sc.applyExtranonce(ex)
}

func (sc *Client) applyExtranonce(ex string) {
	startNonce, sizeBytes, err := ExtranonceToStartNonce(ex)
	if err != nil {
		sc.log.Warnw("invalid extranonce from pool", "extranonce", ex, "err", err)
		return
	}
	sc.mu.Lock()
	sc.startNonce = startNonce
	sc.exSizeBytes = sizeBytes
	sc.mu.Unlock()
}

func (sc *Client) installHandlers(conn *Conn, ep *uri.Endpoint) {
	conn.SetNotificationHandler("mining.notify", func(id *uint64, params []interface{}) {
		sc.handleNotify(params)
	})
	conn.SetNotificationHandler("mining.set_difficulty", func(id *uint64, params []interface{}) {
		if len(params) < 1 {
			sc.log.Warn("no difficulty parameter supplied by stratum server")
			return
		}
		diff, ok := params[0].(float64)
		if !ok {
			sc.log.Warnw("invalid difficulty supplied by stratum server", "param", params[0])
			return
		}
		boundary, err := types.DifficultyToBoundary(diff)
		if err != nil {
			sc.log.Warnw("unusable difficulty from stratum server", "diff", diff, "err", err)
			return
		}
		sc.mu.Lock()
		sc.sessionTarget = boundary
		sc.mu.Unlock()
	})
	conn.SetNotificationHandler("mining.set_target", func(id *uint64, params []interface{}) {
		if len(params) < 1 {
			return
		}
		target, err := HexStringToHash256(params[0])
		if err != nil {
			sc.log.Warnw("invalid target from stratum server", "param", params[0])
			return
		}
		sc.mu.Lock()
		sc.sessionTarget = target
		sc.mu.Unlock()
	})
	conn.SetNotificationHandler("mining.set_extranonce", func(id *uint64, params []interface{}) {
		if len(params) < 1 {
			return
		}
		ex, ok := params[0].(string)
		if !ok {
			return
		}
		sc.applyExtranonce(ex)
	})
	conn.SetNotificationHandler("client.get_version", func(id *uint64, params []interface{}) {
		if id != nil {
			conn.Respond(*id, clientVersion)
		}
	})
}

//handleNotify decodes a job notification into a WorkPackage. The payload
// layout depends on the negotiated sub protocol.
func (sc *Client) handleNotify(params []interface{}) {
	sc.mu.Lock()
	variant := sc.variant
	sessionTarget := sc.sessionTarget
	startNonce := sc.startNonce
	exSizeBytes := sc.exSizeBytes
	sc.mu.Unlock()

	wp := types.NewWorkPackage()
	wp.StartNonce = startNonce
	wp.ExSizeBytes = exSizeBytes
	var err error

	switch variant {
	case uri.EthereumStratum2:
		// [job, epoch_hex, header, clean]
		if len(params) < 3 {
			sc.log.Warn("short mining.notify payload")
			return
		}
		wp.Job, _ = params[0].(string)
		epoch, perr := HexStringToUint64(params[1])
		if perr != nil {
			sc.log.Warnw("invalid epoch in mining.notify", "param", params[1])
			return
		}
		wp.Epoch = int32(epoch)
		wp.Block = int64(epoch) * types.EpochLength
		if wp.Header, err = HexStringToHash256(params[2]); err != nil {
			sc.log.Warnw("invalid header in mining.notify", "err", err)
			return
		}
		wp.Boundary = sessionTarget

	case uri.StratumNiceHash:
		// [header, seed, boundary, height]
		if len(params) < 4 {
			sc.log.Warn("short mining.notify payload")
			return
		}
		if wp.Header, err = HexStringToHash256(params[0]); err != nil {
			sc.log.Warnw("invalid header in mining.notify", "err", err)
			return
		}
		if wp.Seed, err = HexStringToHash256(params[1]); err != nil {
			sc.log.Warnw("invalid seed in mining.notify", "err", err)
			return
		}
		if wp.Boundary, err = HexStringToHash256(params[2]); err != nil {
			sc.log.Warnw("invalid boundary in mining.notify", "err", err)
			return
		}
		height, ok := params[3].(float64)
		if !ok {
			sc.log.Warnw("invalid height in mining.notify", "param", params[3])
			return
		}
		wp.Job = wp.Header.Hex()
		wp.Block = int64(height)

	default:
		// EthereumStratum/1.0.0, MeowPoW layout:
		// [job, header, seed, share_target, clean, height, nbits]
		if len(params) < 6 {
			sc.log.Warn("short mining.notify payload")
			return
		}
		wp.Job, _ = params[0].(string)
		if wp.Header, err = HexStringToHash256(params[1]); err != nil {
			sc.log.Warnw("invalid header in mining.notify", "err", err)
			return
		}
		if wp.Seed, err = HexStringToHash256(params[2]); err != nil {
			sc.log.Warnw("invalid seed in mining.notify", "err", err)
			return
		}
		if wp.Boundary, err = HexStringToHash256(params[3]); err != nil {
			sc.log.Warnw("invalid share target in mining.notify", "err", err)
			return
		}
		height, ok := params[5].(float64)
		if !ok {
			sc.log.Warnw("invalid height in mining.notify", "param", params[5])
			return
		}
		wp.Block = int64(height)
		if len(params) >= 7 {
			if nbits, perr := HexStringToUint64(params[6]); perr == nil {
				if blockBoundary, berr := NBitsToBoundary(uint32(nbits)); berr == nil {
					wp.BlockBoundary = blockBoundary
				}
			}
		}
	}

	if wp.Boundary.IsZero() {
		wp.Boundary = sessionTarget
	}

	sc.mu.Lock()
	sc.currentJob = wp.Job
	if !sc.ready {
		sc.pendingWp = &wp
		sc.mu.Unlock()
		return
	}
	sc.mu.Unlock()

	sc.armNoWorkTimer()
	sc.EmitWorkReceived(wp)
}

func (sc *Client) armNoWorkTimer() {
	if sc.noWorkTimeout <= 0 {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.noWorkTimer != nil {
		sc.noWorkTimer.Stop()
	}
	sc.noWorkTimer = time.AfterFunc(sc.noWorkTimeout, func() {
		sc.log.Warnw("no new work received in time", "timeout", sc.noWorkTimeout)
		sc.Disconnect()
	})
}

//SubmitSolution sends a found share. Discarded silently when the session
// is not connected. The response drives the accepted/rejected callbacks
// with the measured round trip; no response within noResponseTimeout
// drops the session instead.
func (sc *Client) SubmitSolution(sol types.Solution) {
	if sc.state.Load() != stateConnected {
		return
	}

	sc.mu.Lock()
	variant := sc.variant
	asStale := sol.Work.Job != sc.currentJob
	sc.mu.Unlock()

	ep := sc.Connection()
	var method string
	var params interface{}
	switch variant {
	case uri.StratumNiceHash:
		method = "eth_submitWork"
		params = []string{NonceToHex(sol.Nonce), sol.Work.Header.Hex(), sol.MixHash.Hex()}
	case uri.EthereumStratum2:
		method = "mining.submit"
		params = []string{sol.Work.Job, NonceToHex(sol.Nonce), sol.MixHash.Hex()}
	default:
		method = "mining.submit"
		params = []string{ep.UserDotWorker(), sol.Work.Job, NonceToHex(sol.Nonce),
			sol.Work.Header.Hex(), sol.MixHash.Hex()}
	}

	go func() {
		start := time.Now()
		result, err := sc.conn.Call(method, params, sc.noResponseTimeout)
		elapsed := time.Since(start)
		if sc.state.Load() != stateConnected {
			// the session ended while the reply was in flight
			return
		}
		if err != nil {
			if _, ok := err.(*RPCError); ok {
				sc.EmitSolutionRejected(elapsed, sol.MinerIdx)
				return
			}
			// no response in time: consider the submission lost and drop
			// the session so the manager can rotate
			sc.log.Warnw("solution submission lost", "err", err)
			sc.Disconnect()
			return
		}
		if accepted, ok := result.(bool); ok && !accepted {
			sc.EmitSolutionRejected(elapsed, sol.MinerIdx)
			return
		}
		sc.EmitSolutionAccepted(elapsed, sol.MinerIdx, asStale)
	}()
}

//SubmitHashrate reports the current rate under the given identifier.
// Fire and forget: pools answer but nothing depends on the reply.
func (sc *Client) SubmitHashrate(rate uint32, id string) {
	if sc.state.Load() != stateConnected {
		return
	}
	go func() {
		params := []string{fmt.Sprintf("0x%x", rate), id}
		if _, err := sc.conn.Call("eth_submitHashrate", params, sc.noResponseTimeout); err != nil {
			sc.log.Debugw("hashrate submission failed", "err", err)
		}
	}()
}

//Disconnect tears the session down and emits the final onDisconnected
func (sc *Client) Disconnect() {
	sc.terminate()
}

func (sc *Client) terminate() {
	sc.endOnce.Do(func() {
		sc.state.Store(stateDisconnected)
		sc.mu.Lock()
		if sc.noWorkTimer != nil {
			sc.noWorkTimer.Stop()
		}
		sc.mu.Unlock()
		if sc.conn != nil {
			sc.conn.Close()
		}
		sc.EmitDisconnected()
	})
}
