package api

import (
	"net/http"
	"sync"
	"time"

	"pantry/internal/fanout"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamConn pushes household snapshots to one websocket client. Only the
// newest snapshot is kept when the client falls behind.
type streamConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// Stream upgrades the request to a websocket and pushes a fanout.Snapshot of
// the household every time a product or one of its batches changes.
func (a *InventoryAPI) Stream(c *gin.Context) {
	household := c.Param("household")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	sc := &streamConn{
		conn: conn,
		send: make(chan []byte, 1),
		done: make(chan struct{}),
		log:  a.log.With(zap.String("household", household)),
	}
	manager := fanout.NewManager(a.Feed, sc.pushSnapshot, a.log, a.monitor)

	go sc.writePump()
	manager.Watch(household)
	go func() {
		sc.readPump()
		manager.Close()
		sc.shutdown()
	}()
}

func (c *streamConn) pushSnapshot(snap fanout.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		c.log.Error("marshal snapshot", zap.Error(err))
		return
	}
	for {
		select {
		case <-c.done:
			return
		case c.send <- data:
			return
		default:
		}
		// Replace the snapshot the writer has not picked up yet.
		select {
		case <-c.send:
		default:
		}
	}
}

func (c *streamConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump discards client messages and returns once the connection closes.
func (c *streamConn) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
