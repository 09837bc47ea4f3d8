package coordclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

func TestClientAnnouncesCapacityOnConnect(t *testing.T) {
	coordRegistry := wsconn.NewRegistry()
	received := make(chan []byte, 8)
	coordServer := wsconn.NewServer(coordRegistry, func(ctx context.Context, socketID uint64, raw []byte) {
		received <- raw
	}, nil)

	ts := httptest.NewServer(coordServer)
	defer ts.Close()
	wsURL := "ws" + ts.URL[len("http"):]

	clientRegistry := wsconn.NewRegistry()
	client := New(wsURL, 4, clientRegistry, func(context.Context, uint64, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	select {
	case raw := <-received:
		assert.Contains(t, string(raw), "i_haz_computes")
		assert.Contains(t, string(raw), `"max_jobs":4`)
	case <-time.After(time.Second):
		t.Fatal("coordinator never received i_haz_computes")
	}

	require.Eventually(t, client.Connected, time.Second, 10*time.Millisecond)
}
