// Package realtime is the websocket transport for rank subscriptions.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/rankhub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	EventSubscribe   = "subscribe-rank"
	EventUnsubscribe = "unsubscribe-rank"
	EventRankUpdate  = "rank-update"
	EventRankError   = "rank-error"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 16
)

// Subscriber is the part of the hub the gateway drives.
type Subscriber interface {
	Subscribe(ctx context.Context, connID string, key rankhub.BucketKey) (int, error)
	Unsubscribe(connID string)
}

type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	Amount   decimal.Decimal `json:"amount"`
	IsUrgent bool            `json:"is_urgent"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type Gateway struct {
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger

	mu    sync.RWMutex
	conns map[string]*conn
	sub   Subscriber
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

func NewGateway(allowedOrigins []string, logger logrus.FieldLogger) *Gateway {
	g := &Gateway{
		logger: logger,
		conns:  make(map[string]*conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return g
}

// Use binds the hub; the hub in turn pushes through Deliver.
func (g *Gateway) Use(sub Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sub = sub
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Deliver implements rankhub.Pusher. A connection with a full buffer
// misses the update; clients recover by resubscribing.
func (g *Gateway) Deliver(_ context.Context, connIDs []string, update rankhub.RankUpdate) error {
	msg, err := json.Marshal(outbound{Event: EventRankUpdate, Data: update})
	if err != nil {
		return err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range connIDs {
		c, ok := g.conns[id]
		if !ok {
			continue
		}
		select {
		case c.send <- msg:
		default:
			g.logger.WithField("conn_id", id).Warn("send buffer full, dropping rank update")
		}
	}
	return nil
}

func (g *Gateway) Handle(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return nil
	}

	cn := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}

	g.mu.Lock()
	g.conns[cn.id] = cn
	g.mu.Unlock()

	log := g.logger.WithField("conn_id", cn.id)
	log.Debug("websocket connected")

	done := make(chan struct{})
	go g.writePump(cn, done)
	g.readPump(c.Request().Context(), cn, log)

	g.mu.Lock()
	delete(g.conns, cn.id)
	sub := g.sub
	g.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe(cn.id)
	}
	close(done)
	log.Debug("websocket disconnected")

	return nil
}

func (g *Gateway) readPump(ctx context.Context, cn *conn, log logrus.FieldLogger) {
	cn.ws.SetReadLimit(maxMessageSize)
	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Info("websocket closed unexpectedly")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.reply(cn, EventRankError, map[string]string{"error": "invalid message"})
			continue
		}
		g.dispatch(ctx, cn, msg, log)
	}
}

func (g *Gateway) dispatch(ctx context.Context, cn *conn, msg Message, log logrus.FieldLogger) {
	g.mu.RLock()
	sub := g.sub
	g.mu.RUnlock()
	if sub == nil {
		g.reply(cn, EventRankError, map[string]string{"error": "rank service unavailable"})
		return
	}

	switch msg.Event {
	case EventSubscribe:
		var data subscribeData
		if err := json.Unmarshal(msg.Data, &data); err != nil || model.CheckAmount(data.Amount) != nil {
			g.reply(cn, EventRankError, map[string]string{"error": "invalid amount"})
			return
		}
		key := rankhub.NewBucketKey(data.Amount, data.IsUrgent)
		rank, err := sub.Subscribe(ctx, cn.id, key)
		if err != nil {
			log.WithError(err).Error("subscribe rank")
			g.reply(cn, EventRankError, map[string]string{"error": "failed to get rank"})
			return
		}
		g.reply(cn, EventRankUpdate, rankhub.RankUpdate{Amount: key.Amount, IsUrgent: key.IsUrgent, Rank: rank})
	case EventUnsubscribe:
		sub.Unsubscribe(cn.id)
	default:
		g.reply(cn, EventRankError, map[string]string{"error": "unknown event"})
	}
}

func (g *Gateway) reply(cn *conn, event string, data any) {
	msg, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		return
	}
	select {
	case cn.send <- msg:
	default:
	}
}

func (g *Gateway) writePump(cn *conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cn.ws.Close()
	}()

	for {
		select {
		case <-done:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cn.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-cn.send:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}
