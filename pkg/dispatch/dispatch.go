// Package dispatch implements the request queue and dispatcher: the FIFO
// of pending render requests and the tryDispatch algorithm that hands them
// to a free remote worker or a local renderer slot.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/scoreforge/engraveserve/pkg/log"
	"github.com/scoreforge/engraveserve/pkg/rpc"
	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

// Request is a pending or in-flight render.
type Request struct {
	RequestID string // client-chosen JSON-RPC id, as a string
	Origin    uint64 // socketID the response must be delivered to
	Backend   string
	Source    string
	Version   string
}

// SlotPool is the subset of the renderer supervisor the dispatcher needs.
// Accepting an interface here, rather than a concrete *renderer.Supervisor,
// keeps the queue's FIFO logic testable without spawning real containers.
type SlotPool interface {
	// HasVersion reports whether any slot (in any state) is configured to
	// serve version.
	HasVersion(version string) bool
	// Acquire finds the lowest-index Idle slot serving version, transitions
	// it to Busy, and returns its index.
	Acquire(version string) (slot int, ok bool)
	// Dispatch writes backend/source to the slot's child stdin.
	Dispatch(slot int, backend, source string) error
	// Release returns a Busy slot to Idle without waiting for its child to
	// reply, for a slot acquired but never successfully dispatched to.
	Release(slot int)
}

// WorkerPool is the subset of the worker registry the dispatcher needs.
// Workers are treated as version-agnostic in the original protocol: a
// worker never advertises which engraver versions it can serve, so any
// free worker is eligible for any request: dispatch pops a free worker
// unconditionally, before any version check runs.
type WorkerPool interface {
	HasCapacity() bool
	Acquire(requestID string) (socketID uint64, ok bool)
	Release(requestID string)
}

// Dispatcher owns the pending queue and the in-flight bookkeeping. All
// mutation is serialized behind one mutex. While holding it, the dispatcher
// does non-blocking enqueues on sockets' outbound channels and, on the
// local path, writes the request line to a slot's child stdin through
// SlotPool.Dispatch.
type Dispatcher struct {
	mu sync.Mutex

	registry *wsconn.Registry
	slots    SlotPool
	workers  WorkerPool

	queue          []*Request
	inFlightLocal  map[int]*Request    // slot index -> request
	inFlightRemote map[string]*Request // requestId -> request
}

// New builds a Dispatcher wired to the shared socket registry, local slot
// pool, and remote worker pool.
func New(registry *wsconn.Registry, slots SlotPool, workers WorkerPool) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		slots:          slots,
		workers:        workers,
		inFlightLocal:  make(map[int]*Request),
		inFlightRemote: make(map[string]*Request),
	}
}

// Enqueue appends a render request already validated by the caller, then
// attempts dispatch immediately.
func (d *Dispatcher) Enqueue(req *Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue = append(d.queue, req)
	d.tryDispatch()
}

// tryDispatch implements the dispatch algorithm. Caller must hold d.mu.
// Re-entrant: it may call itself recursively (dead worker, unserviceable
// head) and always terminates because each recursive call either shrinks
// the queue or the free-worker/idle-slot supply it depends on.
func (d *Dispatcher) tryDispatch() {
	if len(d.queue) == 0 {
		return
	}

	// Step 2: prefer a free worker, unconditionally of version.
	if d.workers != nil && d.workers.HasCapacity() {
		req := d.queue[0]
		socketID, ok := d.workers.Acquire(req.RequestID)
		if !ok {
			// Lost the race between HasCapacity and Acquire; fall through
			// to the local path below rather than spin.
		} else {
			d.queue = d.queue[1:]
			d.inFlightRemote[req.RequestID] = req

			payload, err := rpc.Call(rpc.EncodeID(req.RequestID), "render", map[string]string{
				"backend": req.Backend,
				"src":     req.Source,
				"version": req.Version,
			})
			if err != nil {
				log.Error("failed to encode remote render request", "error", err)
				delete(d.inFlightRemote, req.RequestID)
				d.workers.Release(req.RequestID)
				d.failRequest(req, rpc.ErrCodeInternal, "Internal error: could not encode request")
				d.tryDispatch()
				return
			}
			if !d.registry.Send(socketID, payload) {
				delete(d.inFlightRemote, req.RequestID)
				d.workers.Release(req.RequestID)
				d.failRequest(req, rpc.ErrCodeInternal, "Worker died")
				d.tryDispatch()
			}
			return
		}
	}

	// Step 3: reject a head no local slot or worker can serve.
	head := d.queue[0]
	anyWorkerCapacity := d.workers != nil && d.workers.HasCapacity()
	if !d.slots.HasVersion(head.Version) && !anyWorkerCapacity {
		d.queue = d.queue[1:]
		d.failRequest(head, 3, "Invalid version")
		d.tryDispatch()
		return
	}

	// Step 4/5: find an idle local slot serving this version.
	slotIdx, ok := d.slots.Acquire(head.Version)
	if !ok {
		// No idle slot yet; a slot will call back on completion.
		return
	}
	d.queue = d.queue[1:]
	d.inFlightLocal[slotIdx] = head
	if err := d.slots.Dispatch(slotIdx, head.Backend, head.Source); err != nil {
		delete(d.inFlightLocal, slotIdx)
		d.slots.Release(slotIdx)
		log.Error("failed to write to renderer slot", "slot", slotIdx, "error", err)
		d.failRequest(head, rpc.ErrCodeInternal, "Internal error: could not start render")
		d.tryDispatch()
	}
}

// CompleteLocal is called by the renderer supervisor when slot's child
// emits a response line. result is the raw JSON object read from the
// child's stdout; parseErr is non-nil if the line could not be parsed
// on the local response path.
func (d *Dispatcher) CompleteLocal(slot int, result json.RawMessage, parseErr error) {
	d.mu.Lock()
	req, ok := d.inFlightLocal[slot]
	if ok {
		delete(d.inFlightLocal, slot)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if parseErr != nil {
		d.failRequest(req, rpc.ErrCodeInternal, "Internal error: could not parse response")
	} else {
		d.replyResult(req, result)
	}

	d.mu.Lock()
	d.tryDispatch()
	d.mu.Unlock()
}

// FailLocal is called when a slot dies (or times out) while holding req.
func (d *Dispatcher) FailLocal(slot int, code int, message string) {
	d.mu.Lock()
	req, ok := d.inFlightLocal[slot]
	if ok {
		delete(d.inFlightLocal, slot)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.failRequest(req, code, message)

	d.mu.Lock()
	d.tryDispatch()
	d.mu.Unlock()
}

// IsRemotePending reports whether requestID is a request currently awaiting
// a worker's reply, i.e. whether an inbound frame whose top-level id equals
// requestID should be treated as that reply.
func (d *Dispatcher) IsRemotePending(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlightRemote[requestID]
	return ok
}

// CompleteRemote relays a worker's verbatim response frame to its
// originating client and frees the worker, on the remote response path.
// Returns false if requestID was not in flight.
func (d *Dispatcher) CompleteRemote(requestID string, frame []byte) bool {
	d.mu.Lock()
	req, ok := d.inFlightRemote[requestID]
	if ok {
		delete(d.inFlightRemote, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	d.registry.Send(req.Origin, frame)
	if d.workers != nil {
		d.workers.Release(requestID)
	}

	d.mu.Lock()
	d.tryDispatch()
	d.mu.Unlock()
	return true
}

// FailRemote fails a request in flight on a worker that has just
// disconnected.
func (d *Dispatcher) FailRemote(requestID string) {
	d.mu.Lock()
	req, ok := d.inFlightRemote[requestID]
	if ok {
		delete(d.inFlightRemote, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.failRequest(req, rpc.ErrCodeInternal, "Worker died")
}

// Backlog returns the number of requests still waiting in the queue, for
// get_status.
func (d *Dispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) failRequest(req *Request, code int, message string) {
	raw, err := rpc.Fail(rpc.EncodeID(req.RequestID), code, message)
	if err != nil {
		log.Error("failed to encode error response", "error", err)
		return
	}
	if !d.registry.Send(req.Origin, raw) {
		log.Debug("dropped error response for vanished origin", "socket_id", req.Origin, "request_id", req.RequestID)
	}
}

func (d *Dispatcher) replyResult(req *Request, result json.RawMessage) {
	raw, err := rpc.Result(rpc.EncodeID(req.RequestID), result)
	if err != nil {
		log.Error("failed to encode render result", "error", err)
		d.failRequest(req, rpc.ErrCodeInternal, "Internal error: could not encode response")
		return
	}
	if !d.registry.Send(req.Origin, raw) {
		log.Debug("dropped render result for vanished origin", "socket_id", req.Origin, "request_id", req.RequestID)
	}
}
