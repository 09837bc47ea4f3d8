package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scoreforge/engraveserve/pkg/log"
)

// FrameHandler processes one inbound text frame from socketID. It is the
// single message handler used to service both ordinary client sockets
// and, when running as a worker, the outbound socket to the
// coordinator — both register through the same Registry and call the same
// handler.
type FrameHandler func(ctx context.Context, socketID uint64, raw []byte)

// DisconnectHandler is invoked once a socket has been removed from the
// registry, so worker teardown and origin cleanup can run.
type DisconnectHandler func(socketID uint64)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ConnectHandler is invoked once a socket has been registered, before its
// read pump starts. Used by pkg/coordclient to send i_haz_computes and
// start the keepalive ticker as soon as the socket id is known.
type ConnectHandler func(socketID uint64)

// Server accepts inbound WebSocket connections and multiplexes their frames
// through a single FrameHandler.
type Server struct {
	Registry     *Registry
	OnFrame      FrameHandler
	OnConnect    ConnectHandler
	OnDisconnect DisconnectHandler
}

// NewServer builds a Server sharing registry with the rest of the
// coordinator (in particular pkg/coordclient, which registers the outbound
// coordinator socket in the same registry).
func NewServer(registry *Registry, onFrame FrameHandler, onDisconnect DisconnectHandler) *Server {
	return &Server{Registry: registry, OnFrame: onFrame, OnDisconnect: onDisconnect}
}

// WithOnConnect sets the server's OnConnect callback and returns it for
// chaining.
func (s *Server) WithOnConnect(onConnect ConnectHandler) *Server {
	s.OnConnect = onConnect
	return s
}

// ServeHTTP upgrades the request to a WebSocket and services it until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.Serve(r.Context(), conn)
}

// Serve registers conn in the registry and runs its read/write pumps until
// it disconnects. Exported so pkg/coordclient can drive an outbound
// (dialed) connection through the identical pump logic.
func (s *Server) Serve(ctx context.Context, conn *websocket.Conn) uint64 {
	ref := s.Registry.Register()
	log.Debug("socket connected", "socket_id", ref.ID)
	if s.OnConnect != nil {
		s.OnConnect(ref.ID)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	go s.writePump(pumpCtx, conn, ref)
	s.readPump(pumpCtx, conn, ref)
	cancel()

	s.Registry.Remove(ref.ID)
	_ = conn.Close()
	log.Debug("socket disconnected", "socket_id", ref.ID)
	if s.OnDisconnect != nil {
		s.OnDisconnect(ref.ID)
	}
	return ref.ID
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, ref *SocketRef) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			// The engraving protocol is text-only.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "datatype not supported"),
				time.Now().Add(time.Second))
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		if s.OnFrame != nil {
			s.OnFrame(ctx, ref.ID, data)
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, ref *SocketRef) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ref.Outbound():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ListenAndServe runs the coordinator's accept loop on addr until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
