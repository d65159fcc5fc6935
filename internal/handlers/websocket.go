package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/bubble-mesh/internal/mesh"
	"github.com/mossy-p/bubble-mesh/internal/peers"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Event types pushed on the events stream.
const (
	EventPeers    = "peers"
	EventMessages = "messages"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// StreamEvent is one snapshot on the events stream.
type StreamEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type eventClient struct {
	conn   *websocket.Conn
	logger *logrus.Entry
	done   chan struct{}
}

// Events streams peer and message snapshots over a websocket: the current
// ones on connect, then one per change.
func (h *Handler) Events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &eventClient{
		conn:   conn,
		logger: h.logger.WithField("remote", conn.RemoteAddr().String()),
		done:   make(chan struct{}),
	}
	client.logger.Debug("Event stream opened")

	peerUpdates, stopPeers := h.node.SubscribePeers()
	messageUpdates, stopMessages := h.node.SubscribeMessages()

	go client.writePump(peerUpdates, messageUpdates, func() {
		stopPeers()
		stopMessages()
	})
	go client.readPump()
}

// readPump discards client frames and notices when the client goes away.
func (c *eventClient) readPump() {
	defer func() {
		close(c.done)
		c.conn.Close()
		c.logger.Debug("Event stream closed")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
	}
}

func (c *eventClient) writePump(peerUpdates <-chan peers.Snapshot, messageUpdates <-chan mesh.History, unsubscribe func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		c.conn.Close()
	}()

	for {
		select {
		case snapshot, ok := <-peerUpdates:
			if !ok || !c.write(StreamEvent{Type: EventPeers, Payload: snapshot.Views()}) {
				return
			}

		case history, ok := <-messageUpdates:
			if !ok || !c.write(StreamEvent{Type: EventMessages, Payload: history}) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *eventClient) write(event StreamEvent) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(event); err != nil {
		c.logger.WithError(err).Debug("Failed to write event")
		return false
	}
	return true
}
