package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

// echoRelay accepts one token and loops every send back to the sender when
// the sender is subscribed to the destination.
type echoRelay struct {
	token string
	mu    sync.Mutex
	sends []domain.SendFrame
}

func (r *echoRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var auth domain.AuthFrame
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Token != r.token {
		conn.WriteJSON(domain.AuthResultFrame{Type: domain.FrameAuthResult, Message: "bad token"})
		return
	}
	conn.WriteJSON(domain.AuthResultFrame{Type: domain.FrameAuthResult, Success: true, Username: "alice"})

	subscribed := map[string]bool{}
	for {
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		switch raw["type"] {
		case domain.FrameSubscribe:
			topic, _ := raw["topic"].(string)
			subscribed[topic] = true
			conn.WriteJSON(domain.SubscribedFrame{Type: domain.FrameSubscribed, Topic: topic})
		case domain.FrameSend:
			dest, _ := raw["destination"].(string)
			evRaw, _ := raw["event"].(map[string]any)
			ev := &pubsub.Event{}
			if t, ok := evRaw["type"].(string); ok {
				ev.Type = t
			}
			r.mu.Lock()
			r.sends = append(r.sends, domain.SendFrame{Destination: dest, Event: ev})
			r.mu.Unlock()
			if subscribed[dest] {
				conn.WriteJSON(domain.MessageFrame{Type: domain.FrameMessage, Topic: dest, Event: ev})
			}
		}
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSBus_AuthenticatesAndRoundTrips(t *testing.T) {
	relay := &echoRelay{token: "good"}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	b := NewWSBus(WSConfig{URL: wsURL(srv), Token: "good"}, pkglog.Nop())
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer b.Close()

	assert.True(t, b.Connected())
	assert.Equal(t, "alice", b.Identity())

	var got collector
	topic := pubsub.UserChannel("r1", "alice")
	require.NoError(t, b.Subscribe(ctx, topic, got.handle))

	for _, typ := range []string{"offer", "ice-candidate", "answer"} {
		require.NoError(t, b.Send(ctx, topic, &pubsub.Event{Type: typ}))
	}
	require.Eventually(t, func() bool { return len(got.types()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"offer", "ice-candidate", "answer"}, got.types())
}

func TestWSBus_RejectedToken(t *testing.T) {
	srv := httptest.NewServer(&echoRelay{token: "good"})
	defer srv.Close()

	b := NewWSBus(WSConfig{URL: wsURL(srv), Token: "bad"}, pkglog.Nop())
	err := b.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrBusDisconnected)
	assert.False(t, b.Connected())
}

func TestWSBus_SendBeforeConnect(t *testing.T) {
	b := NewWSBus(WSConfig{URL: "ws://127.0.0.1:1"}, pkglog.Nop())
	err := b.Send(context.Background(), "t", &pubsub.Event{})
	assert.ErrorIs(t, err, domain.ErrBusDisconnected)
	assert.NoError(t, b.Close())
}

func TestWSBus_ServerGoneMarksDisconnected(t *testing.T) {
	srv := httptest.NewServer(&echoRelay{token: "good"})

	b := NewWSBus(WSConfig{URL: wsURL(srv), Token: "good"}, pkglog.Nop())
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()

	srv.CloseClientConnections()
	srv.Close()

	require.Eventually(t, func() bool { return !b.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.Send(context.Background(), "t", &pubsub.Event{}), domain.ErrBusDisconnected)
}
