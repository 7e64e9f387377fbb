package stratum

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meowminer/gominer/jsonx"
	"github.com/meowminer/gominer/types"
	"github.com/meowminer/gominer/uri"
)

const (
	testHeader = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testSeed   = "0x0000000000000000000000000000000000000000000000000000000000000000"
	testTarget = "0x0fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
)

type poolMsg struct {
	ID     *uint64       `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

//mockPool is a scripted line JSON-RPC server. The script callback is
// invoked per request and returns what to write back; it may also push
// notifications through the send function.
type mockPool struct {
	t  *testing.T
	ln net.Listener
}

type poolSession struct {
	t    *testing.T
	conn net.Conn
}

func (ps *poolSession) send(v interface{}) {
	raw, err := jsonx.Marshal(v)
	require.NoError(ps.t, err)
	ps.conn.Write(append(raw, '\n'))
}

func (ps *poolSession) reply(id uint64, result interface{}) {
	ps.send(map[string]interface{}{"id": id, "result": result, "error": nil})
}

func (ps *poolSession) replyError(id uint64, code int, msg string) {
	ps.send(map[string]interface{}{
		"id": id, "result": nil,
		"error": map[string]interface{}{"code": code, "message": msg},
	})
}

func (ps *poolSession) notify(method string, params []interface{}) {
	ps.send(map[string]interface{}{"id": nil, "method": method, "params": params})
}

func newMockPool(t *testing.T, script func(ps *poolSession, msg poolMsg)) *mockPool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mp := &mockPool{t: t, ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				ps := &poolSession{t: t, conn: conn}
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					var msg poolMsg
					if err := jsonx.Unmarshal(scanner.Bytes(), &msg); err != nil {
						continue
					}
					script(ps, msg)
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return mp
}

func (mp *mockPool) endpoint(t *testing.T) *uri.Endpoint {
	ep, err := uri.Parse("stratum+tcp://wallet.rig:x@" + mp.ln.Addr().String())
	require.NoError(t, err)
	return ep
}

//events records the client callbacks for assertions
type events struct {
	connected    chan struct{}
	disconnected chan struct{}
	work         chan types.WorkPackage
	accepted     chan time.Duration
	stale        chan bool
	rejected     chan time.Duration
}

func recordEvents(c *Client) *events {
	ev := &events{
		connected:    make(chan struct{}, 4),
		disconnected: make(chan struct{}, 4),
		work:         make(chan types.WorkPackage, 16),
		accepted:     make(chan time.Duration, 16),
		stale:        make(chan bool, 16),
		rejected:     make(chan time.Duration, 16),
	}
	c.OnConnected(func() { ev.connected <- struct{}{} })
	c.OnDisconnected(func() { ev.disconnected <- struct{}{} })
	c.OnWorkReceived(func(wp types.WorkPackage) { ev.work <- wp })
	c.OnSolutionAccepted(func(elapsed time.Duration, minerIdx int, asStale bool) {
		ev.accepted <- elapsed
		ev.stale <- asStale
	})
	c.OnSolutionRejected(func(elapsed time.Duration, minerIdx int) { ev.rejected <- elapsed })
	return ev
}

func await[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func assertQuiet[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(150 * time.Millisecond):
	}
}

//happyScript negotiates EthereumStratum/1.0.0 (rejecting 2.0.0) and
// hands out one job after authorization
func happyScript(submitResult func(ps *poolSession, id uint64)) func(ps *poolSession, msg poolMsg) {
	return func(ps *poolSession, msg poolMsg) {
		switch msg.Method {
		case "mining.subscribe":
			proto, _ := msg.Params[1].(string)
			if proto == "EthereumStratum/2.0.0" {
				ps.replyError(*msg.ID, 20, "unsupported protocol")
				return
			}
			ps.reply(*msg.ID, []interface{}{
				[]interface{}{"mining.notify", "sess"}, "ab01",
			})
		case "mining.authorize":
			ps.reply(*msg.ID, true)
			ps.notify("mining.notify", []interface{}{
				"j1", testHeader, testSeed, testTarget, true, float64(82500), "1d00ffff",
			})
		case "mining.submit":
			submitResult(ps, *msg.ID)
		}
	}
}

func newTestClient(t *testing.T, ep *uri.Endpoint) (*Client, *events) {
	c := New(5*time.Second, 2*time.Second, zaptest.NewLogger(t))
	c.SetConnection(ep)
	ev := recordEvents(c)
	return c, ev
}

func TestHappyPath(t *testing.T) {
	mp := newMockPool(t, happyScript(func(ps *poolSession, id uint64) {
		ps.reply(id, true)
	}))
	c, ev := newTestClient(t, mp.endpoint(t))

	c.Connect()
	await(t, ev.connected, "onConnected")
	require.True(t, c.IsConnected())
	assert.NotEmpty(t, c.ActiveEndPoint())

	wp := await(t, ev.work, "onWorkReceived")
	assert.Equal(t, "j1", wp.Job)
	assert.Equal(t, testHeader, wp.Header.Hex())
	assert.Equal(t, int64(82500), wp.Block)
	assert.False(t, wp.BlockBoundary.IsZero())
	// extranonce ab01 occupies the top two nonce bytes
	assert.Equal(t, uint64(0xab01)<<48, wp.StartNonce)
	assert.Equal(t, uint16(2), wp.ExSizeBytes)

	sol := types.Solution{Nonce: 0xdead, Work: wp, MinerIdx: 0}
	c.SubmitSolution(sol)
	elapsed := await(t, ev.accepted, "onSolutionAccepted")
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	assert.False(t, await(t, ev.stale, "stale flag"))

	c.Disconnect()
	await(t, ev.disconnected, "onDisconnected")
	assert.False(t, c.IsConnected())

	// a dead instance never emits again
	c.Disconnect()
	assertQuiet(t, ev.disconnected, "second onDisconnected")
}

func TestRedundantConnectIsNoOp(t *testing.T) {
	mp := newMockPool(t, happyScript(func(ps *poolSession, id uint64) {}))
	c, ev := newTestClient(t, mp.endpoint(t))

	c.Connect()
	await(t, ev.connected, "onConnected")
	c.Connect()
	assertQuiet(t, ev.connected, "second onConnected")
	c.Disconnect()
	await(t, ev.disconnected, "onDisconnected")
}

func TestSolutionRejected(t *testing.T) {
	mp := newMockPool(t, happyScript(func(ps *poolSession, id uint64) {
		ps.replyError(id, 23, "low difficulty share")
	}))
	c, ev := newTestClient(t, mp.endpoint(t))

	c.Connect()
	await(t, ev.connected, "onConnected")
	wp := await(t, ev.work, "onWorkReceived")

	c.SubmitSolution(types.Solution{Nonce: 1, Work: wp})
	await(t, ev.rejected, "onSolutionRejected")
	assert.True(t, c.IsConnected())
	c.Disconnect()
	await(t, ev.disconnected, "onDisconnected")
}

func TestStaleSolutionFlag(t *testing.T) {
	mp := newMockPool(t, happyScript(func(ps *poolSession, id uint64) {
		ps.reply(id, true)
	}))
	c, ev := newTestClient(t, mp.endpoint(t))

	c.Connect()
	await(t, ev.connected, "onConnected")
	wp := await(t, ev.work, "onWorkReceived")

	old := wp
	old.Job = "j0" // solves a job that is no longer current
	c.SubmitSolution(types.Solution{Nonce: 2, Work: old})
	await(t, ev.accepted, "onSolutionAccepted")
	assert.True(t, await(t, ev.stale, "stale flag"))
	c.Disconnect()
	await(t, ev.disconnected, "onDisconnected")
}

func TestUnrecoverableSubscription(t *testing.T) {
	mp := newMockPool(t, func(ps *poolSession, msg poolMsg) {
		if msg.Method == "mining.subscribe" {
			ps.replyError(*msg.ID, 25, "invalid subscription")
		}
	})
	ep := mp.endpoint(t)
	c, ev := newTestClient(t, ep)

	c.Connect()
	await(t, ev.disconnected, "onDisconnected")
	assert.True(t, ep.IsUnrecoverable())
	assertQuiet(t, ev.connected, "onConnected after rejection")
}

func TestUnrecoverableAuthorization(t *testing.T) {
	mp := newMockPool(t, func(ps *poolSession, msg poolMsg) {
		switch msg.Method {
		case "mining.subscribe":
			ps.reply(*msg.ID, []interface{}{[]interface{}{"mining.notify", "s"}, "00"})
		case "mining.authorize":
			ps.replyError(*msg.ID, 24, "unauthorized worker")
		}
	})
	ep := mp.endpoint(t)
	c, ev := newTestClient(t, ep)

	c.Connect()
	await(t, ev.disconnected, "onDisconnected")
	assert.True(t, ep.IsUnrecoverable())
}

func TestDialFailureEmitsDisconnected(t *testing.T) {
	ep, err := uri.Parse("stratum+tcp://127.0.0.1:1")
	require.NoError(t, err)
	c, ev := newTestClient(t, ep)
	c.Connect()
	await(t, ev.disconnected, "onDisconnected")
	assert.False(t, ep.IsUnrecoverable())
}

func TestNoResponseTimeoutDisconnects(t *testing.T) {
	mp := newMockPool(t, happyScript(func(ps *poolSession, id uint64) {
		// never answer the submission
	}))
	ep := mp.endpoint(t)
	c := New(5*time.Second, 300*time.Millisecond, zaptest.NewLogger(t))
	c.SetConnection(ep)
	ev := recordEvents(c)

	c.Connect()
	await(t, ev.connected, "onConnected")
	wp := await(t, ev.work, "onWorkReceived")

	c.SubmitSolution(types.Solution{Nonce: 3, Work: wp})
	await(t, ev.disconnected, "onDisconnected after lost submission")
	assertQuiet(t, ev.accepted, "onSolutionAccepted")
	assertQuiet(t, ev.rejected, "onSolutionRejected")
}

func TestNoWorkTimeoutDisconnects(t *testing.T) {
	mp := newMockPool(t, func(ps *poolSession, msg poolMsg) {
		switch msg.Method {
		case "mining.subscribe":
			ps.reply(*msg.ID, []interface{}{[]interface{}{"mining.notify", "s"}, "00"})
		case "mining.authorize":
			ps.reply(*msg.ID, true)
			// no job ever follows
		}
	})
	c := New(300*time.Millisecond, 2*time.Second, zaptest.NewLogger(t))
	c.SetConnection(mp.endpoint(t))
	ev := recordEvents(c)

	c.Connect()
	await(t, ev.connected, "onConnected")
	await(t, ev.disconnected, "onDisconnected after no work")
}

func TestSetDifficultyUpdatesBoundary(t *testing.T) {
	mp := newMockPool(t, func(ps *poolSession, msg poolMsg) {
		switch msg.Method {
		case "mining.subscribe":
			ps.reply(*msg.ID, []interface{}{[]interface{}{"mining.notify", "s"}, "00"})
		case "mining.authorize":
			ps.reply(*msg.ID, true)
			ps.notify("mining.set_difficulty", []interface{}{float64(2)})
			// job without its own share target picks the session difficulty
			ps.notify("mining.notify", []interface{}{
				"j2", testHeader, testSeed, "00", true, float64(82500),
			})
		}
	})
	c, ev := newTestClient(t, mp.endpoint(t))

	c.Connect()
	await(t, ev.connected, "onConnected")
	wp := await(t, ev.work, "onWorkReceived")

	want, err := types.DifficultyToBoundary(2)
	require.NoError(t, err)
	assert.Equal(t, want, wp.Boundary)
	c.Disconnect()
	await(t, ev.disconnected, "onDisconnected")
}

func TestSubmitWhileDisconnectedIsDiscarded(t *testing.T) {
	c := New(time.Second, time.Second, zaptest.NewLogger(t))
	ev := recordEvents(c)
	c.SubmitSolution(types.Solution{Nonce: 9})
	assertQuiet(t, ev.accepted, "onSolutionAccepted")
	assertQuiet(t, ev.rejected, "onSolutionRejected")
}
