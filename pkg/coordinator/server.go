// Package coordinator wires the connection multiplexer, dispatcher, worker
// registry, renderer supervisor, and identity relay into the coordinator
// role's single JSON-RPC method table.
package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/scoreforge/engraveserve/pkg/dispatch"
	"github.com/scoreforge/engraveserve/pkg/identity"
	"github.com/scoreforge/engraveserve/pkg/log"
	"github.com/scoreforge/engraveserve/pkg/renderer"
	"github.com/scoreforge/engraveserve/pkg/rpc"
	"github.com/scoreforge/engraveserve/pkg/workerpool"
	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

var validBackends = map[string]bool{"svg": true, "pdf": true, "musicxml2ly": true}

// Status is the get_status response object.
type Status struct {
	Alive              bool   `json:"alive"`
	TotalWorkerCount   int    `json:"total_worker_count"`
	LocalWorkerCount   int    `json:"local_worker_count"`
	RemoteWorkerCount  int    `json:"remote_worker_count"`
	BusyWorkerCount    int    `json:"busy_worker_count"`
	FreeWorkerCount    int    `json:"free_worker_count"`
	Backlog            int    `json:"backlog"`
	StartupTime        string `json:"startup_time"`
	UptimeSecs         int64  `json:"uptime_secs"`
	CurrentActiveUsers int    `json:"current_active_users"`
	AnalyticsRenders   int64  `json:"analytics_renders"`
	AnalyticsSaves     int64  `json:"analytics_saves"`
	AnalyticsSignIn    int64  `json:"analytics_sign_in"`
}

// Server is the coordinator role's message handler: exactly one OnFrame
// callback services every accepted client socket and every dialed-worker
// socket alike, since a worker connection is just another client socket
// as far as the frame handler is concerned.
type Server struct {
	registry  *wsconn.Registry
	dispatch  *dispatch.Dispatcher
	workers   *workerpool.Pool
	renderers *renderer.Supervisor
	identity  *identity.Relay

	startedAt time.Time
	renders   atomic.Int64
	saves     atomic.Int64
	signIns   atomic.Int64
}

// New builds a coordinator Server and wires the renderer supervisor's result
// and crash callbacks into the dispatcher, so the local response path is
// triggered directly by the renderer supervisor.
func New(registry *wsconn.Registry, d *dispatch.Dispatcher, workers *workerpool.Pool, renderers *renderer.Supervisor, id *identity.Relay) *Server {
	s := &Server{
		registry:  registry,
		dispatch:  d,
		workers:   workers,
		renderers: renderers,
		identity:  id,
		startedAt: time.Now(),
	}

	renderers.OnResult = func(slot int, result json.RawMessage, parseErr error) {
		d.CompleteLocal(slot, result, parseErr)
	}
	renderers.OnCrash = func(slot int) {
		d.FailLocal(slot, rpc.ErrCodeInternal, "Internal error: renderer crashed")
	}
	if id != nil {
		id.OnAccepted = func() { s.signIns.Add(1) }
	}

	return s
}

// OnDisconnect fails every request in flight on socketID's worker capacity.
// Invoked from wsconn.Server.OnDisconnect.
func (s *Server) OnDisconnect(socketID uint64) {
	for _, requestID := range s.workers.Disconnect(socketID) {
		s.dispatch.FailRemote(requestID)
	}
}

// OnFrame is the coordinator's single JSON-RPC message handler, serving both
// browser clients and worker sockets.
func (s *Server) OnFrame(ctx context.Context, socketID uint64, raw []byte) {
	var req rpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		reply, encErr := rpc.Fail(rpc.EncodeID(nil), rpc.ErrCodeParseError, "Parse Error: "+err.Error())
		if encErr == nil {
			s.registry.Send(socketID, reply)
		}
		return
	}

	requestID := rpc.IDString(req.ID)

	// A frame whose top-level id matches a request currently in flight on a
	// remote worker is that worker's response, not a method call — checked
	// before ordinary dispatch.
	if requestID != "" && s.dispatch.IsRemotePending(requestID) {
		s.dispatch.CompleteRemote(requestID, raw)
		return
	}

	switch req.Method {
	case "ping":
		s.replyRaw(socketID, req.ID, "pong")

	case "notifySaved":
		s.saves.Add(1)
		s.replyRaw(socketID, req.ID, "ok")

	case "render":
		s.handleRender(socketID, requestID, req.Params)

	case "signIn":
		s.handleSignIn(socketID, requestID, req.Params)

	case "signOut":
		s.handleSignOut(socketID, requestID, req.Params)

	case "i_haz_computes":
		s.handleIHazComputes(socketID, req.Params)

	case "get_status":
		s.replyRaw(socketID, req.ID, s.status())

	default:
		log.Debug("unrecognized method", "method", req.Method, "socket_id", socketID)
	}
}

type renderParams struct {
	Src     string `json:"src"`
	Backend string `json:"backend"`
	Version string `json:"version"`
}

func (s *Server) handleRender(socketID uint64, requestID string, params json.RawMessage) {
	s.renders.Add(1)

	var p renderParams
	_ = json.Unmarshal(params, &p)
	if p.Version == "" {
		p.Version = "stable"
	}
	if p.Src == "" || p.Backend == "" || !validBackends[p.Backend] {
		s.registry.Send(socketID, rpc.InvalidRequest())
		return
	}

	s.dispatch.Enqueue(&dispatch.Request{
		RequestID: requestID,
		Origin:    socketID,
		Backend:   p.Backend,
		Source:    p.Src,
		Version:   p.Version,
	})
}

type signInParams struct {
	State string `json:"state"`
	OAuth string `json:"oauth"`
}

func (s *Server) handleSignIn(socketID uint64, requestID string, params json.RawMessage) {
	var p signInParams
	_ = json.Unmarshal(params, &p)
	s.identity.SignIn(socketID, requestID, p.State, p.OAuth)
}

type signOutParams struct {
	Token string `json:"token"`
}

func (s *Server) handleSignOut(socketID uint64, requestID string, params json.RawMessage) {
	var p signOutParams
	_ = json.Unmarshal(params, &p)
	if p.Token == "" {
		s.registry.Send(socketID, rpc.InvalidRequest())
		return
	}
	s.identity.SignOut(socketID, requestID, p.Token)
}

type iHazComputesParams struct {
	MaxJobs int `json:"max_jobs"`
}

func (s *Server) handleIHazComputes(socketID uint64, params json.RawMessage) {
	var p iHazComputesParams
	_ = json.Unmarshal(params, &p)
	if !s.workers.Register(socketID, p.MaxJobs) {
		log.Debug("worker advertised too little capacity, ignoring", "socket_id", socketID, "max_jobs", p.MaxJobs)
	}
}

func (s *Server) status() Status {
	localTotal, localBusy, localFree := s.renderers.Counts()
	remoteTotal, remoteBusy, remoteFree := s.workers.Counts()

	return Status{
		Alive:              localTotal+remoteTotal > 0,
		TotalWorkerCount:   localTotal + remoteTotal,
		LocalWorkerCount:   localTotal,
		RemoteWorkerCount:  remoteTotal,
		BusyWorkerCount:    localBusy + remoteBusy,
		FreeWorkerCount:    localFree + remoteFree,
		Backlog:            s.dispatch.Backlog(),
		StartupTime:        s.startedAt.UTC().Format(time.RFC3339),
		UptimeSecs:         int64(time.Since(s.startedAt).Seconds()),
		CurrentActiveUsers: s.registry.Count(),
		AnalyticsRenders:   s.renders.Load(),
		AnalyticsSaves:     s.saves.Load(),
		AnalyticsSignIn:    s.signIns.Load(),
	}
}

// replyRaw echoes back id exactly as received: the ping/notifySaved/
// get_status handlers all copy the request's id verbatim, including the
// JSON null a missing id decodes to.
func (s *Server) replyRaw(socketID uint64, id json.RawMessage, result interface{}) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	raw, err := rpc.Result(id, result)
	if err != nil {
		log.Error("failed to encode reply", "error", err)
		return
	}
	s.registry.Send(socketID, raw)
}
