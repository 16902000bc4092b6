package node

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meshledger/internal/identity"
	"meshledger/internal/ledger"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// streamClient is a single websocket subscriber
type streamClient struct {
	conn    *websocket.Conn
	address ledger.Address
	send    chan ledger.Event
}

// WSManager streams committed ledger events to websocket subscribers
type WSManager struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool

	metrics *Metrics
	log     *log.Entry

	// WebSocket configuration
	upgrader websocket.Upgrader
	origins  map[string]struct{} // lower-cased; "*" admits any

	// Connection tracking
	activeConns sync.WaitGroup
}

// NewWSManager creates a new WebSocket manager. Browser upgrades are accepted
// from the serving host and from allowedOrigins.
func NewWSManager(metrics *Metrics, allowedOrigins []string) *WSManager {
	wm := &WSManager{
		clients: make(map[*streamClient]struct{}),
		metrics: metrics,
		log:     log.WithField("component", "ws"),
		origins: make(map[string]struct{}, len(allowedOrigins)),
	}
	for _, o := range allowedOrigins {
		wm.origins[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	wm.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     wm.checkOrigin,
	}
	return wm
}

// checkOrigin admits non-browser clients, which send no Origin, same-host
// pages and configured origins
func (wm *WSManager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := wm.origins["*"]; ok {
		return true
	}
	if _, ok := wm.origins[strings.ToLower(origin)]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	wm.log.WithField("origin", origin).Debug("Rejected websocket origin")
	return false
}

// Notify queues the event for every matching subscriber. Slow subscribers
// drop events rather than block the ledger.
func (wm *WSManager) Notify(_ context.Context, e ledger.Event) error {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	for c := range wm.clients {
		if c.address != "" && c.address != e.Address {
			continue
		}
		select {
		case c.send <- e:
		default:
			wm.log.WithField("remote", c.conn.RemoteAddr().String()).Warn("Dropping event for slow subscriber")
		}
	}
	return nil
}

// Clients returns the number of connected subscribers
func (wm *WSManager) Clients() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return len(wm.clients)
}

// Stop disconnects every subscriber and waits for their handlers to exit
func (wm *WSManager) Stop() error {
	wm.mu.Lock()
	wm.closed = true
	for c := range wm.clients {
		close(c.send)
		delete(wm.clients, c)
	}
	wm.mu.Unlock()

	wm.activeConns.Wait()
	return nil
}

// handleWebSocket upgrades the request and streams events until the peer
// disconnects. An optional address query parameter filters the stream.
func (wm *WSManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var filter ledger.Address
	if a := r.URL.Query().Get("address"); a != "" {
		if _, _, err := identity.DecodeAddress(a); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		filter = ledger.Address(a)
	}

	conn, err := wm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := &streamClient{conn: conn, address: filter, send: make(chan ledger.Event, clientBuffer)}
	if !wm.add(c) {
		conn.Close()
		return
	}

	// Track active connection
	wm.activeConns.Add(1)
	defer func() {
		wm.remove(c)
		conn.Close()
		wm.activeConns.Done()
	}()

	go wm.readPump(c)
	wm.writePump(c)
}

func (wm *WSManager) add(c *streamClient) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.closed {
		return false
	}
	wm.clients[c] = struct{}{}
	wm.gauge()
	return true
}

func (wm *WSManager) remove(c *streamClient) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, ok := wm.clients[c]; ok {
		delete(wm.clients, c)
		close(c.send)
	}
	wm.gauge()
}

func (wm *WSManager) gauge() {
	if wm.metrics != nil {
		wm.metrics.StreamClients.Set(float64(len(wm.clients)))
	}
}

// readPump discards inbound messages and unregisters the client once the
// connection fails.
func (wm *WSManager) readPump(c *streamClient) {
	defer wm.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (wm *WSManager) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
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

var _ ledger.Notifier = (*WSManager)(nil)
