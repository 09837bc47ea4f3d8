// Package coordclient implements the worker role's outbound connection to
// a coordinator: dial, register into the shared socket registry as just
// another connection, advertise capacity, and keep a fixed-interval
// reconnect loop running forever.
package coordclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scoreforge/engraveserve/pkg/log"
	"github.com/scoreforge/engraveserve/pkg/rpc"
	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

const (
	retryInterval    = time.Second
	keepaliveInterval = time.Second
)

// Client dials a coordinator URL and keeps a worker connection alive.
// It reuses wsconn.Server.Serve to drive the dialed connection through the
// identical read/write pump logic the accept side uses, so a worker
// connection really is just another client socket.
type Client struct {
	url      string
	maxJobs  int
	registry *wsconn.Registry
	onFrame  wsconn.FrameHandler

	mu        sync.Mutex
	connected bool
}

// New builds a worker-role client that will dial url, advertise maxJobs of
// capacity, and route inbound frames to onFrame exactly as the accept-side
// server would.
func New(url string, maxJobs int, registry *wsconn.Registry, onFrame wsconn.FrameHandler) *Client {
	return &Client{url: url, maxJobs: maxJobs, registry: registry, onFrame: onFrame}
}

// Run dials, registers, and services the coordinator connection until ctx
// is cancelled, retrying at a fixed one-second interval on any failure or
// disconnect. This fixed interval is the only reconnection logic; there is
// no backoff.
func (c *Client) Run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Warn("failed to dial coordinator", "url", c.url, "error", err)
			c.sleep(ctx, retryInterval)
			continue
		}

		connCtx, cancel := context.WithCancel(ctx)
		server := wsconn.NewServer(c.registry, c.onFrame, func(uint64) {
			c.setConnected(false)
			cancel()
		}).WithOnConnect(func(socketID uint64) {
			c.setConnected(true)
			go announceAndPing(connCtx, c.registry, socketID, c.maxJobs)
		})

		socketID := server.Serve(connCtx, conn) // blocks until disconnected
		cancel()
		log.Info("disconnected from coordinator", "socket_id", socketID)
		c.setConnected(false)
		c.sleep(ctx, retryInterval)
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports whether the coordinator connection is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// announceAndPing is run once per successful connection: sends
// i_haz_computes with the configured capacity, then pings once a second
// until the socket disappears from the registry.
func announceAndPing(ctx context.Context, registry *wsconn.Registry, socketID uint64, maxJobs int) {
	payload, err := rpc.Notify("i_haz_computes", map[string]int{"max_jobs": maxJobs})
	if err != nil {
		log.Error("failed to encode i_haz_computes", "error", err)
		return
	}
	registry.Send(socketID, payload)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := registry.Lookup(socketID); !ok {
				return
			}
			ping, err := rpc.Notify("ping", nil)
			if err != nil {
				continue
			}
			registry.Send(socketID, ping)
		}
	}
}
