// Package workerpool implements the remote worker registry: the free/busy
// bookkeeping for worker sockets that have advertised render
// capacity via i_haz_computes.
package workerpool

import "sync"

// Handle identifies one logical slot on a remote worker socket. A worker
// advertising capacity N contributes N handles, all pointing at the same
// socket id, mirroring the original's habit of pushing the same QWebSocket
// pointer onto _freeWorkers once per unit of capacity.
type Handle struct {
	SocketID uint64
}

// Pool tracks free and busy worker handles. All mutation happens under a
// single mutex; it performs no I/O itself.
type Pool struct {
	mu    sync.Mutex
	free  []*Handle
	busy  map[string]*Handle // requestId -> handle
	total map[uint64]int     // socketID -> registered capacity, for get_status
}

// New creates an empty worker pool.
func New() *Pool {
	return &Pool{
		busy:  make(map[string]*Handle),
		total: make(map[uint64]int),
	}
}

// Register admits socketID as a worker with the given capacity, appending
// capacity handles to the free list. Capacities of 1 or less are rejected
// silently, matching the original's habit of reserving one slot for
// overhead. Returns whether the registration was accepted.
func (p *Pool) Register(socketID uint64, capacity int) bool {
	if capacity <= 1 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Handle{SocketID: socketID})
	}
	p.total[socketID] += capacity
	return true
}

// HasCapacity reports whether any worker socket is currently free.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) > 0
}

// Acquire pops the first free handle, if any, for dispatching requestId,
// and returns the socket id it should be sent to.
func (p *Pool) Acquire(requestID string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	h := p.free[0]
	p.free = p.free[1:]
	p.busy[requestID] = h
	return h.SocketID, true
}

// Release returns the handle busy under requestId back to the free list,
// after a worker's response frame has been relayed to its origin.
func (p *Pool) Release(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.busy[requestID]
	if !ok {
		return
	}
	delete(p.busy, requestID)
	p.free = append(p.free, h)
}

// Lookup reports whether requestId is currently busy on a worker, i.e.
// whether an inbound frame whose top-level id equals requestId should be
// treated as a worker's render response rather than an ordinary method
// call.
func (p *Pool) Lookup(requestID string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.busy[requestID]
	if !ok {
		return 0, false
	}
	return h.SocketID, true
}

// Disconnect removes every free handle and every busy handle belonging to
// socketID, returning the request ids that were in flight on it so the
// caller can fail them with "Worker died".
func (p *Pool) Disconnect(socketID uint64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.free[:0]
	for _, h := range p.free {
		if h.SocketID != socketID {
			kept = append(kept, h)
		}
	}
	p.free = kept

	var orphaned []string
	for reqID, h := range p.busy {
		if h.SocketID == socketID {
			orphaned = append(orphaned, reqID)
			delete(p.busy, reqID)
		}
	}
	delete(p.total, socketID)
	return orphaned
}

// Counts returns (remote_worker_count, busy_worker_count, free_worker_count)
// for get_status.
func (p *Pool) Counts() (remote, busy, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, capacity := range p.total {
		remote += capacity
	}
	return remote, len(p.busy), len(p.free)
}
