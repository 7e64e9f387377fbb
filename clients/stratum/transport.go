package stratum

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meowminer/gominer/jsonx"
)

//ErrClosed is returned by Call once the transport is gone
var ErrClosed = errors.New("stratum: connection closed")

//RPCError is an error object in a pool reply
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

type rpcOut struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcReply struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

type rpcIn struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

//NotificationHandler handles a server initiated message. For server
// requests carrying an id, respond through Conn.Respond.
type NotificationHandler func(id *uint64, params []interface{})

//Conn is a line delimited JSON-RPC session with a stratum pool.
// Call issues requests and matches replies by id; notification handlers
// run on the single reader goroutine, in arrival order.
type Conn struct {
	sock net.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcIn

	handlersMu sync.Mutex
	handlers   map[string]NotificationHandler

	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once

	//ErrorCallback is invoked once when the session dies on a socket error
	ErrorCallback func(err error)
}

//Dial opens the TCP (or TLS) session and starts the reader
func Dial(addr string, secure bool, timeout time.Duration) (*Conn, error) {
	sock, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if secure {
		tlsSock := tls.Client(sock, &tls.Config{ServerName: hostOf(addr)})
		if err := tlsSock.Handshake(); err != nil {
			sock.Close()
			return nil, err
		}
		sock = tlsSock
	}
	c := &Conn{
		sock:     sock,
		pending:  make(map[uint64]chan rpcIn),
		handlers: make(map[string]NotificationHandler),
		closedCh: make(chan struct{}),
	}
	go c.serve()
	return c, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

//RemoteAddr returns the resolved remote endpoint
func (c *Conn) RemoteAddr() string {
	return c.sock.RemoteAddr().String()
}

//SetNotificationHandler registers fn for a server initiated method
func (c *Conn) SetNotificationHandler(method string, fn NotificationHandler) {
	c.handlersMu.Lock()
	c.handlers[method] = fn
	c.handlersMu.Unlock()
}

func (c *Conn) serve() {
	scanner := bufio.NewScanner(c.sock)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcIn
		if err := jsonx.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			c.dispatch(msg)
			continue
		}
		if msg.ID != nil {
			c.pendingMu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
	err := scanner.Err()
	if err == nil {
		err = ErrClosed
	}
	c.shutdown(err)
}

func (c *Conn) dispatch(msg rpcIn) {
	c.handlersMu.Lock()
	fn := c.handlers[msg.Method]
	c.handlersMu.Unlock()
	if fn == nil {
		return
	}
	var params []interface{}
	if len(msg.Params) > 0 {
		jsonx.Unmarshal(msg.Params, &params)
	}
	fn(msg.ID, params)
}

//Call issues a request and waits for the matching reply
func (c *Conn) Call(method string, params interface{}, timeout time.Duration) (interface{}, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := c.seq.Add(1)
	ch := make(chan rpcIn, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeLine(rpcOut{ID: id, Method: method, Params: params}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			return nil, parseRPCError(msg.Error)
		}
		var result interface{}
		if len(msg.Result) > 0 {
			jsonx.Unmarshal(msg.Result, &result)
		}
		return result, nil
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("stratum: no response to %s within %s", method, timeout)
	case <-c.closedCh:
		return nil, ErrClosed
	}
}

//Notify issues a request without waiting for a reply
func (c *Conn) Notify(method string, params interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.writeLine(rpcOut{ID: c.seq.Add(1), Method: method, Params: params})
}

//Respond answers a server initiated request
func (c *Conn) Respond(id uint64, result interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.writeLine(rpcReply{ID: id, Result: result})
}

func (c *Conn) writeLine(v interface{}) error {
	raw, err := jsonx.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.sock.Write(raw)
	return err
}

//Close tears the session down; pending calls fail with ErrClosed
func (c *Conn) Close() {
	c.shutdown(nil)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.sock.Close()
		close(c.closedCh)
		if err != nil && !errors.Is(err, net.ErrClosed) && c.ErrorCallback != nil {
			c.ErrorCallback(err)
		}
	})
}

func parseRPCError(raw json.RawMessage) error {
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := jsonx.Unmarshal(raw, &obj); err == nil && (obj.Code != 0 || obj.Message != "") {
		return &RPCError{Code: obj.Code, Message: obj.Message}
	}
	var arr []interface{}
	if err := jsonx.Unmarshal(raw, &arr); err == nil && len(arr) >= 2 {
		code, _ := arr[0].(float64)
		text, _ := arr[1].(string)
		return &RPCError{Code: int(code), Message: text}
	}
	var text string
	if err := jsonx.Unmarshal(raw, &text); err == nil {
		return &RPCError{Message: text}
	}
	return &RPCError{Message: string(raw)}
}
