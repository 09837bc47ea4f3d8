package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterLookupRemove(t *testing.T) {
	r := NewRegistry()
	ref := r.Register()
	require.NotZero(t, ref.ID)

	got, ok := r.Lookup(ref.ID)
	require.True(t, ok)
	assert.Same(t, ref, got)
	assert.Equal(t, 1, r.Count())

	r.Remove(ref.ID)
	_, ok = r.Lookup(ref.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	// Second removal must not panic on the already-closed channel.
	r.Remove(ref.ID)
}

func TestRegistrySendAfterRemoveIsNoop(t *testing.T) {
	r := NewRegistry()
	ref := r.Register()
	r.Remove(ref.ID)

	assert.False(t, r.Send(ref.ID, []byte("hi")))
	assert.False(t, r.Send(999, []byte("hi")))
}

func TestRegistrySendDeliversOnOutbound(t *testing.T) {
	r := NewRegistry()
	ref := r.Register()

	require.True(t, r.Send(ref.ID, []byte("hello")))
	select {
	case msg := <-ref.Outbound():
		assert.Equal(t, []byte("hello"), msg)
	default:
		t.Fatal("expected message on outbound channel")
	}
}

func TestServerEchoesFramesThroughOnFrame(t *testing.T) {
	registry := NewRegistry()
	received := make(chan []byte, 1)

	srv := NewServer(registry, func(ctx context.Context, socketID uint64, raw []byte) {
		received <- raw
		registry.Send(socketID, raw)
	}, nil)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"ping"}`)))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnFrame")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, string(msg))
}

func TestServerClosesBinaryFrames(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, func(context.Context, uint64, []byte) {}, nil)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x1, 0x2}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
}

func TestServerCallsOnDisconnect(t *testing.T) {
	registry := NewRegistry()
	disconnected := make(chan uint64, 1)
	srv := NewServer(registry, func(context.Context, uint64, []byte) {}, func(id uint64) {
		disconnected <- id
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	conn.Close()

	select {
	case id := <-disconnected:
		assert.NotZero(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
	}
}

var _ http.Handler = (*Server)(nil)
