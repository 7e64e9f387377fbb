//Package api serves the status and control surface over HTTP: a JSON-RPC
// control service, a plain status document and prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meowminer/gominer/jsonx"
	"github.com/meowminer/gominer/pool"
)

//Server exposes one core instance
type Server struct {
	mgr  *pool.Manager
	log  *zap.SugaredLogger
	reg  *prometheus.Registry
	http *http.Server
}

func New(mgr *pool.Manager, reg *prometheus.Registry, log *zap.Logger) *Server {
	return &Server{mgr: mgr, log: log.Sugar(), reg: reg}
}

//Router builds the HTTP routes; exported so tests drive it directly
func (s *Server) Router() *mux.Router {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json.NewCodec(), "application/json")
	rpcServer.RegisterCodec(json.NewCodec(), "application/json;charset=UTF-8")
	rpcServer.RegisterService(&MinerService{mgr: s.mgr}, "miner")

	r := mux.NewRouter()
	r.Handle("/rpc", rpcServer)
	r.HandleFunc("/gominer/status", s.getStatus)
	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := jsonx.Marshal(s.mgr.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

//Start serves in the background until Stop
func (s *Server) Start(listen string) {
	s.http = &http.Server{Addr: listen, Handler: s.Router()}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("api server failed", "err", err)
		}
	}()
	s.log.Infow("api server listening", "addr", listen)
}

func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
}

//MinerService is the JSON-RPC control surface
type MinerService struct {
	mgr *pool.Manager
}

type EmptyArgs struct{}

type ConnectionsReply struct {
	Connections string `json:"connections"`
}

func (ms *MinerService) GetConnections(r *http.Request, args *EmptyArgs, reply *ConnectionsReply) error {
	reply.Connections = string(ms.mgr.GetConnectionsJson())
	return nil
}

type AddConnectionArgs struct {
	URI string `json:"uri"`
}

type OkReply struct {
	Ok bool `json:"ok"`
}

func (ms *MinerService) AddConnection(r *http.Request, args *AddConnectionArgs, reply *OkReply) error {
	if err := ms.mgr.AddConnection(args.URI); err != nil {
		return err
	}
	reply.Ok = true
	return nil
}

type RemoveConnectionArgs struct {
	Index int `json:"index"`
}

func (ms *MinerService) RemoveConnection(r *http.Request, args *RemoveConnectionArgs, reply *OkReply) error {
	if err := ms.mgr.RemoveConnection(args.Index); err != nil {
		return err
	}
	reply.Ok = true
	return nil
}

type SetActiveConnectionArgs struct {
	Index *int   `json:"index,omitempty"`
	URI   string `json:"uri,omitempty"`
}

func (ms *MinerService) SetActiveConnection(r *http.Request, args *SetActiveConnectionArgs, reply *OkReply) error {
	var err error
	if args.Index != nil {
		err = ms.mgr.SetActiveConnection(*args.Index)
	} else {
		err = ms.mgr.SetActiveConnectionByName(args.URI)
	}
	if err != nil {
		return err
	}
	reply.Ok = true
	return nil
}

type StatsReply struct {
	Epoch      int32   `json:"epoch"`
	Difficulty float64 `json:"difficulty"`
	Switches   uint32  `json:"switches"`
	Epochs     uint32  `json:"epochchanges"`
	Connected  bool    `json:"connected"`
	Running    bool    `json:"running"`
}

func (ms *MinerService) GetStats(r *http.Request, args *EmptyArgs, reply *StatsReply) error {
	reply.Epoch = ms.mgr.CurrentEpoch()
	reply.Difficulty = ms.mgr.CurrentDifficulty()
	reply.Switches = ms.mgr.ConnectionSwitches()
	reply.Epochs = ms.mgr.EpochChanges()
	reply.Connected = ms.mgr.IsConnected()
	reply.Running = ms.mgr.IsRunning()
	return nil
}
