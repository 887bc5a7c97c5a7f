package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/relay"
	"github.com/mossy-p/mesh-signaling/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// wsReply answers one inbound frame on the socket.
type wsReply struct {
	Type    string `json:"type"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// wsClient is one WebSocket subscriber. Only writePump writes to conn.
type wsClient struct {
	api  *API
	sess session.Session
	conn *websocket.Conn
	sub  *relay.Subscription
	log  *zap.Logger

	send chan []byte
	quit chan struct{}
	// writerDone is closed when writePump returns.
	writerDone chan struct{}
	replyWait  time.Duration
}

// HandleSignaling serves the relay over a WebSocket: outbound frames follow
// the same order as the event stream and inbound frames use the write path.
func (a *API) HandleSignaling(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)

	resume := c.Query("cursor")
	sub, err := a.relay.Subscribe(sess.ConversationID, sess.UserID, sess.DisplayName, resume)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("failed to upgrade connection", zap.Error(err))
		sub.Close()
		return
	}

	client := &wsClient{
		api:  a,
		sess: sess,
		conn: conn,
		sub:  sub,
		log:  a.log.With(zap.String("conversation", sess.ConversationID), zap.String("user", sess.UserID)),
		send:       make(chan []byte, 16),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		replyWait:  writeWait,
	}

	go func() {
		defer close(client.writerDone)
		client.writePump()
	}()
	client.readPump()

	close(client.quit)
	<-client.writerDone
	sub.Close()
	client.log.Debug("websocket closed")
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var in models.Inbound
		var r wsReply
		if err := json.Unmarshal(message, &in); err != nil {
			r = wsReply{Type: "error", Error: "Invalid message"}
		} else if ev, err := c.api.publishInbound(c.sess, in); err != nil {
			r = wsReply{Type: "error", Error: err.Error()}
		} else {
			r = wsReply{Type: "ack", EventID: ev.ID}
		}
		if !c.reply(r) {
			return
		}
	}
}

// reply queues r for the writer. A client that does not drain its replies
// within replyWait is disconnected instead of losing the reply.
func (c *wsClient) reply(r wsReply) bool {
	data, err := json.Marshal(r)
	if err != nil {
		return false
	}
	t := time.NewTimer(c.replyWait)
	defer t.Stop()
	select {
	case c.send <- data:
		return true
	case <-c.writerDone:
		return false
	case <-t.C:
		c.log.Warn("websocket reply not drained, closing connection")
		c.conn.Close()
		return false
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	events, _ := c.sub.Next()
	opening := append([]models.Event{c.sub.RoomState()}, events...)
	if !c.writeEvents(append(opening, systemEvent(models.SystemConnected))) {
		return
	}

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-c.sub.Done():
			c.writeEvents([]models.Event{systemEvent(models.SystemClosed)})
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversation closed"))
			return

		case <-c.sub.Wake():
			events, _ := c.sub.Next()
			if !c.writeEvents(events) {
				return
			}

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeEvents(events []models.Event) bool {
	for _, ev := range events {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			c.log.Debug("failed to write message", zap.Error(err))
			return false
		}
	}
	return true
}
