package events

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/wager-engine/internal/metrics"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// subscriber is one live feed connection. Only its writer goroutine
// writes to conn; the hub hands it frames through send.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans bet events out to WebSocket subscribers. The subscriber set
// is owned by the Run goroutine. A subscriber whose send buffer is full
// is disconnected rather than allowed to stall the feed.
type WSHub struct {
	feed     chan []byte
	join     chan *subscriber
	leave    chan *subscriber
	done     chan struct{}
	upgrader websocket.Upgrader
}

// NewWSHub creates a hub. Run must be started before subscribers connect.
func NewWSHub() *WSHub {
	return &WSHub{
		feed:  make(chan []byte, 256),
		join:  make(chan *subscriber),
		leave: make(chan *subscriber),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run delivers queued events until ctx is done, then disconnects every
// subscriber.
func (h *WSHub) Run(ctx context.Context) {
	subs := make(map[*subscriber]struct{})
	drop := func(s *subscriber) {
		if _, ok := subs[s]; ok {
			delete(subs, s)
			close(s.send)
		}
	}
	defer func() {
		for s := range subs {
			drop(s)
		}
		close(h.done)
		metrics.WebSocketClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-h.join:
			subs[s] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(subs)))
			slog.Info("ws subscriber connected", "total", len(subs))

		case s := <-h.leave:
			drop(s)
			metrics.WebSocketClients.Set(float64(len(subs)))

		case msg := <-h.feed:
			for s := range subs {
				select {
				case s.send <- msg:
				default:
					slog.Warn("ws subscriber too slow, disconnecting")
					drop(s)
				}
			}
			metrics.WebSocketClients.Set(float64(len(subs)))
		}
	}
}

// Publish encodes e and queues it for every subscriber. It never blocks;
// events are dropped when the feed buffer is full.
func (h *WSHub) Publish(_ context.Context, e Event) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.feed <- data:
		metrics.EventsPublished.WithLabelValues("ws", "ok").Inc()
	default:
		metrics.EventsPublished.WithLabelValues("ws", "dropped").Inc()
	}
	return nil
}

// HandleWS upgrades GET /api/v1/ws to a live event feed.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, wsSendBuffer)}
	select {
	case h.join <- s:
	case <-h.done:
		conn.Close()
		return
	}
	go s.writeLoop()
	go h.readLoop(s)
}

// readLoop discards client frames and reports the subscriber gone once
// the connection fails or stops answering pings.
func (h *WSHub) readLoop(s *subscriber) {
	defer func() {
		select {
		case h.leave <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop sends queued frames and keepalive pings until send is closed
// or a write fails.
func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
