package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/logger"
	"github.com/GY-Bai/baidaohui5/internal/rankhub"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   map[string]rankhub.BucketKey
	unsubscribed chan string
	rank         int
}

func newFakeSubscriber(rank int) *fakeSubscriber {
	return &fakeSubscriber{
		subscribed:   make(map[string]rankhub.BucketKey),
		unsubscribed: make(chan string, 8),
		rank:         rank,
	}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, connID string, key rankhub.BucketKey) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[connID] = key
	return f.rank, nil
}

func (f *fakeSubscriber) Unsubscribe(connID string) {
	f.unsubscribed <- connID
}

func (f *fakeSubscriber) connIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	return ids
}

func startGateway(t *testing.T, sub Subscriber) (*Gateway, *websocket.Conn) {
	t.Helper()
	g := NewGateway(nil, logger.Discard())
	g.Use(sub)

	e := echo.New()
	e.GET("/ws", g.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return g, ws
}

func readEvent(t *testing.T, ws *websocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg.Event, msg.Data
}

func TestGateway_SubscribeRepliesWithRank(t *testing.T) {
	sub := newFakeSubscriber(4)
	_, ws := startGateway(t, sub)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": EventSubscribe,
		"data":  map[string]any{"amount": 50, "is_urgent": true},
	}))

	event, data := readEvent(t, ws)
	assert.Equal(t, EventRankUpdate, event)
	assert.EqualValues(t, 4, data["rank"])
	assert.Equal(t, "50.00", data["amount"])
	assert.Equal(t, true, data["is_urgent"])
}

func TestGateway_DeliverPushesToConnection(t *testing.T) {
	sub := newFakeSubscriber(1)
	g, ws := startGateway(t, sub)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": EventSubscribe,
		"data":  map[string]any{"amount": "12.5"},
	}))
	readEvent(t, ws)

	ids := sub.connIDs()
	require.Len(t, ids, 1)

	require.NoError(t, g.Deliver(context.Background(), append(ids, "gone"), rankhub.RankUpdate{Amount: "12.50", Rank: 7}))

	event, data := readEvent(t, ws)
	assert.Equal(t, EventRankUpdate, event)
	assert.EqualValues(t, 7, data["rank"])
}

func TestGateway_RejectsBadMessages(t *testing.T) {
	_, ws := startGateway(t, newFakeSubscriber(1))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
	event, _ := readEvent(t, ws)
	assert.Equal(t, EventRankError, event)

	for _, amount := range []any{-5, "0.001", "12.345", 99999} {
		require.NoError(t, ws.WriteJSON(map[string]any{
			"event": EventSubscribe,
			"data":  map[string]any{"amount": amount},
		}))
		event, data := readEvent(t, ws)
		assert.Equal(t, EventRankError, event, "amount %v", amount)
		assert.Equal(t, "invalid amount", data["error"])
	}

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "dance"}))
	event, _ = readEvent(t, ws)
	assert.Equal(t, EventRankError, event)
}

func TestGateway_DisconnectUnsubscribes(t *testing.T) {
	sub := newFakeSubscriber(1)
	g, ws := startGateway(t, sub)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": EventSubscribe,
		"data":  map[string]any{"amount": 10},
	}))
	readEvent(t, ws)
	require.Equal(t, 1, g.Connections())

	ws.Close()

	select {
	case id := <-sub.unsubscribed:
		assert.Equal(t, sub.connIDs()[0], id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not unsubscribe")
	}
	assert.Eventually(t, func() bool { return g.Connections() == 0 }, time.Second, 10*time.Millisecond)
}
