//Package getwork implements the HTTP polling pool client: eth_getWork on
// a fixed cadence, eth_submitWork for solutions.
package getwork

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meowminer/gominer/clients"
	"github.com/meowminer/gominer/clients/stratum"
	"github.com/meowminer/gominer/jsonx"
	"github.com/meowminer/gominer/types"
)

type rpcRequest struct {
	ID      uint64      `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

//Client polls a getwork endpoint. Disconnected → Polling → Disconnected:
// the first poll failure ends the session.
type Client struct {
	clients.BaseClient

	pollInterval time.Duration
	log          *zap.SugaredLogger

	httpc *http.Client
	seq   atomic.Uint64

	connected atomic.Bool
	endOnce   sync.Once
	stopCh    chan struct{}

	mu         sync.Mutex
	lastHeader types.Hash256
	currentJob string
}

//New builds a getwork client polling at the given interval. Submissions
// and polls share the response timeout.
func New(pollInterval, noResponseTimeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		pollInterval: pollInterval,
		log:          log.Sugar(),
		httpc:        &http.Client{Timeout: noResponseTimeout},
		stopCh:       make(chan struct{}),
	}
}

func (gc *Client) IsConnected() bool {
	return gc.connected.Load()
}

func (gc *Client) ActiveEndPoint() string {
	if !gc.connected.Load() {
		return ""
	}
	return gc.Connection().Address()
}

func (gc *Client) endpointURL() string {
	ep := gc.Connection()
	scheme := "http"
	if ep.Secure() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, ep.Address(), ep.Path())
}

//Connect starts the polling loop. The session counts as established as
// soon as polling begins; work arrives with the first successful poll.
func (gc *Client) Connect() {
	if !gc.connected.CompareAndSwap(false, true) {
		return
	}
	gc.EmitConnected()
	go gc.poll()
}

func (gc *Client) poll() {
	ticker := time.NewTicker(gc.pollInterval)
	defer ticker.Stop()

	// first request right away, then on cadence
	if !gc.getWork() {
		gc.terminate()
		return
	}
	for {
		select {
		case <-gc.stopCh:
			return
		case <-ticker.C:
			if !gc.getWork() {
				gc.terminate()
				return
			}
		}
	}
}

//getWork issues one eth_getWork; false means the session is over
func (gc *Client) getWork() bool {
	result, err := gc.call("eth_getWork", []string{})
	if err != nil {
		gc.log.Warnw("getwork poll failed", "err", err)
		return false
	}
	reply, ok := result.([]interface{})
	if !ok || len(reply) < 3 {
		gc.log.Warnw("invalid eth_getWork reply", "reply", result)
		return true
	}

	header, err := stratum.HexStringToHash256(reply[0])
	if err != nil {
		gc.log.Warnw("invalid header in eth_getWork reply", "err", err)
		return true
	}

	gc.mu.Lock()
	known := header == gc.lastHeader
	gc.mu.Unlock()
	if known {
		return true
	}

	wp := types.NewWorkPackage()
	wp.Header = header
	wp.Job = header.Hex()
	if wp.Seed, err = stratum.HexStringToHash256(reply[1]); err != nil {
		gc.log.Warnw("invalid seed in eth_getWork reply", "err", err)
		return true
	}
	if wp.Boundary, err = stratum.HexStringToHash256(reply[2]); err != nil {
		gc.log.Warnw("invalid boundary in eth_getWork reply", "err", err)
		return true
	}
	if len(reply) >= 4 {
		if height, err := stratum.HexStringToUint64(reply[3]); err == nil {
			wp.Block = int64(height)
		}
	}

	gc.mu.Lock()
	gc.lastHeader = header
	gc.currentJob = wp.Job
	gc.mu.Unlock()

	gc.EmitWorkReceived(wp)
	return true
}

//SubmitSolution sends the share through eth_submitWork; the boolean
// reply drives accepted/rejected with the measured round trip
func (gc *Client) SubmitSolution(sol types.Solution) {
	if !gc.connected.Load() {
		return
	}
	go func() {
		gc.mu.Lock()
		asStale := sol.Work.Job != gc.currentJob
		gc.mu.Unlock()

		params := []string{stratum.NonceToHex(sol.Nonce), sol.Work.Header.Hex(), sol.MixHash.Hex()}
		start := time.Now()
		result, err := gc.call("eth_submitWork", params)
		elapsed := time.Since(start)
		if !gc.connected.Load() {
			// the session ended while the reply was in flight
			return
		}
		if err != nil {
			gc.log.Warnw("solution submission failed", "err", err)
			gc.EmitSolutionRejected(elapsed, sol.MinerIdx)
			return
		}
		if accepted, _ := result.(bool); accepted {
			gc.EmitSolutionAccepted(elapsed, sol.MinerIdx, asStale)
		} else {
			gc.EmitSolutionRejected(elapsed, sol.MinerIdx)
		}
	}()
}

func (gc *Client) SubmitHashrate(rate uint32, id string) {
	if !gc.connected.Load() {
		return
	}
	go func() {
		if _, err := gc.call("eth_submitHashrate", []string{fmt.Sprintf("0x%x", rate), id}); err != nil {
			gc.log.Debugw("hashrate submission failed", "err", err)
		}
	}()
}

func (gc *Client) call(method string, params interface{}) (interface{}, error) {
	body, err := jsonx.Marshal(rpcRequest{
		ID:      gc.seq.Add(1),
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	resp, err := gc.httpc.Post(gc.endpointURL(), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pool returned http %d", resp.StatusCode)
	}
	var reply rpcResponse
	if err := decodeBody(resp, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("pool error: %v", reply.Error)
	}
	return reply.Result, nil
}

func decodeBody(resp *http.Response, v interface{}) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	return jsonx.Unmarshal(buf.Bytes(), v)
}

//Disconnect ends polling and emits the final onDisconnected
func (gc *Client) Disconnect() {
	gc.terminate()
}

func (gc *Client) terminate() {
	gc.endOnce.Do(func() {
		gc.connected.Store(false)
		close(gc.stopCh)
		gc.EmitDisconnected()
	})
}
