package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"cashback-engine/internal/engine"
	"cashback-engine/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// extension pages connect from chrome-extension:// origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket connection from a tab.
type client struct {
	conn *websocket.Conn
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (c *client) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ServeWS upgrades the request and pushes tab's messages until the
// connection ends. It blocks for the lifetime of the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tab engine.TabID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Int("tab", int(tab)).Msg("websocket upgrade")
		return
	}
	c := &client{conn: conn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	h.attach(tab, c)
	observability.TabConnections.Inc()
	log.Debug().Int("tab", int(tab)).Msg("tab connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(tab, c)
	}()
	c.readPump()

	c.close()
	wg.Wait()
	h.detach(tab, c)
	observability.TabConnections.Dec()
	log.Debug().Int("tab", int(tab)).Msg("tab disconnected")
}

func (h *Hub) writePump(tab engine.TabID, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			for _, msg := range h.Drain(tab) {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Debug().Err(err).Int("tab", int(tab)).Msg("websocket write")
					c.close()
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump only watches for the connection ending; tabs report through
// the HTTP endpoints.
func (c *client) readPump() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
