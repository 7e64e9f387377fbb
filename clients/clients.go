//Package clients defines the capability set every pool protocol client
// exposes to the manager, and common code for the implementations
package clients

import (
	"time"

	"github.com/meowminer/gominer/types"
	"github.com/meowminer/gominer/uri"
)

//ConnectedCallback fires once a session is established and authorized
type ConnectedCallback func()

//DisconnectedCallback is the last event a client instance ever emits
type DisconnectedCallback func()

//WorkReceivedCallback fires for every fresh job handed out by the pool
type WorkReceivedCallback func(wp types.WorkPackage)

//SolutionAcceptedCallback carries the submit round trip delay and whether
// the pool accepted the share as stale
type SolutionAcceptedCallback func(elapsed time.Duration, minerIdx int, asStale bool)

//SolutionRejectedCallback carries the submit round trip delay
type SolutionRejectedCallback func(elapsed time.Duration, minerIdx int)

//Client is the protocol state machine run against one endpoint.
// Implementations guarantee:
//   - a redundant Connect while connected is a no-op
//   - OnConnected precedes any OnWorkReceived
//   - exactly one OnDisconnected per successful OnConnected, and it is the
//     last event the instance emits
//   - SubmitSolution while disconnected is silently discarded
type Client interface {
	Connect()
	Disconnect()
	IsConnected() bool

	SetConnection(ep *uri.Endpoint)
	UnsetConnection()
	Connection() *uri.Endpoint

	//ActiveEndPoint returns the resolved remote address of the session,
	// empty when not connected
	ActiveEndPoint() string

	SubmitSolution(sol types.Solution)
	SubmitHashrate(rate uint32, id string)

	OnConnected(fn ConnectedCallback)
	OnDisconnected(fn DisconnectedCallback)
	OnWorkReceived(fn WorkReceivedCallback)
	OnSolutionAccepted(fn SolutionAcceptedCallback)
	OnSolutionRejected(fn SolutionRejectedCallback)
}

//BaseClient implements the connection slot and callback storage shared by
// the client variants. Not threadsafe by itself: callbacks are installed
// before Connect and only read afterwards, while variants emit events
// from several goroutines.
type BaseClient struct {
	conn *uri.Endpoint

	connectedCall        ConnectedCallback
	disconnectedCall     DisconnectedCallback
	workReceivedCall     WorkReceivedCallback
	solutionAcceptedCall SolutionAcceptedCallback
	solutionRejectedCall SolutionRejectedCallback
}

func (bc *BaseClient) SetConnection(ep *uri.Endpoint) { bc.conn = ep }
func (bc *BaseClient) UnsetConnection()               { bc.conn = nil }
func (bc *BaseClient) Connection() *uri.Endpoint      { return bc.conn }

func (bc *BaseClient) OnConnected(fn ConnectedCallback)               { bc.connectedCall = fn }
func (bc *BaseClient) OnDisconnected(fn DisconnectedCallback)         { bc.disconnectedCall = fn }
func (bc *BaseClient) OnWorkReceived(fn WorkReceivedCallback)         { bc.workReceivedCall = fn }
func (bc *BaseClient) OnSolutionAccepted(fn SolutionAcceptedCallback) { bc.solutionAcceptedCall = fn }
func (bc *BaseClient) OnSolutionRejected(fn SolutionRejectedCallback) { bc.solutionRejectedCall = fn }

func (bc *BaseClient) EmitConnected() {
	if bc.connectedCall != nil {
		bc.connectedCall()
	}
}

func (bc *BaseClient) EmitDisconnected() {
	if bc.disconnectedCall != nil {
		bc.disconnectedCall()
	}
}

func (bc *BaseClient) EmitWorkReceived(wp types.WorkPackage) {
	if bc.workReceivedCall != nil {
		bc.workReceivedCall(wp)
	}
}

func (bc *BaseClient) EmitSolutionAccepted(elapsed time.Duration, minerIdx int, asStale bool) {
	if bc.solutionAcceptedCall != nil {
		bc.solutionAcceptedCall(elapsed, minerIdx, asStale)
	}
}

func (bc *BaseClient) EmitSolutionRejected(elapsed time.Duration, minerIdx int) {
	if bc.solutionRejectedCall != nil {
		bc.solutionRejectedCall(elapsed, minerIdx)
	}
}
