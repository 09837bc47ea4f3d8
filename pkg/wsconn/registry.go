// Package wsconn implements the connection multiplexer: it assigns every
// accepted or dialed WebSocket a SocketRef, and is the single source of
// truth callers must re-check before writing to a socket that might
// already be gone.
package wsconn

import (
	"sync"
	"sync/atomic"
)

// SocketRef is an opaque handle to a live connection: a monotonic id plus a
// buffered send channel. It is never used directly for I/O — writers always
// go through Registry.Send so a socket that disconnected between lookup and
// write cannot produce a dangling write.
type SocketRef struct {
	ID   uint64
	send chan []byte
}

const sendBufferSize = 64

// Registry is the sockets-by-id map. It is the sole rendezvous point every
// async callback (renderer output, HTTP OAuth reply, worker relay) must go
// through before addressing a socket.
type Registry struct {
	mu      sync.Mutex
	sockets map[uint64]*SocketRef
	nextID  atomic.Uint64
}

// NewRegistry creates an empty socket registry.
func NewRegistry() *Registry {
	return &Registry{sockets: make(map[uint64]*SocketRef)}
}

// Register assigns a fresh socket id and returns its SocketRef. The caller
// owns draining ref.Outbound() and writing those frames to the transport.
func (r *Registry) Register() *SocketRef {
	ref := &SocketRef{
		ID:   r.nextID.Add(1),
		send: make(chan []byte, sendBufferSize),
	}
	r.mu.Lock()
	r.sockets[ref.ID] = ref
	r.mu.Unlock()
	return ref
}

// Remove drops a socket from the registry and closes its outbound channel.
// Safe to call more than once for the same id.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	ref, ok := r.sockets[id]
	if ok {
		delete(r.sockets, id)
	}
	r.mu.Unlock()
	if ok {
		close(ref.send)
	}
}

// Lookup returns the SocketRef for id, or false if it is no longer present.
func (r *Registry) Lookup(id uint64) (*SocketRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.sockets[id]
	return ref, ok
}

// Send looks up id and enqueues msg on its outbound channel, dropping the
// message (never blocking, never panicking on a closed channel) if the
// socket disappeared or its buffer is full. Returns whether the message was
// enqueued.
func (r *Registry) Send(id uint64, msg []byte) (ok bool) {
	ref, present := r.Lookup(id)
	if !present {
		return false
	}
	defer func() {
		// Remove() may have closed send between Lookup and this send.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ref.send <- msg:
		return true
	default:
		return false
	}
}

// Outbound exposes the channel a connection's write pump should drain.
func (s *SocketRef) Outbound() <-chan []byte {
	return s.send
}

// Count returns the number of currently registered sockets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}
