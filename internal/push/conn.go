package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64

	DefaultReconnectDelay = 3000 * time.Millisecond
)

var (
	ErrNoIdentity    = errors.New("no signed in user")
	ErrNotOpen       = errors.New("connection not open")
	ErrSendQueueFull = errors.New("send queue full")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handler receives server events in delivery order, one at a time, on the
// connection's read goroutine.
type Handler func(Event)

type timer interface {
	Stop() bool
}

// Conn owns the single push connection of a session. Connect and Close are
// the only operations that change its lifecycle; after an unexpected close a
// single reconnect is scheduled after a fixed delay.
type Conn struct {
	log            *log.Logger
	url            string
	dialer         *websocket.Dialer
	identity       auth.Provider
	handler        Handler
	stats          stats.StatsProvider
	reconnectDelay time.Duration
	afterFunc      func(time.Duration, func()) timer

	mu    sync.Mutex
	state State
	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
	// epoch changes on every teardown so reconnects armed before it are dropped
	epoch          uint64
	reconnectTimer timer
	wg             sync.WaitGroup
}

func NewConn(logger *log.Logger, url string, identity auth.Provider, handler Handler, su stats.StatsProvider, reconnectDelay time.Duration) *Conn {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}

	return &Conn{
		log:      logger,
		url:      url,
		identity: identity,
		handler:  handler,
		stats:    su,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: writeWait,
		},
		reconnectDelay: reconnectDelay,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) IsOpen() bool {
	return c.State() == StateOpen
}

// Connect opens the connection if a user is signed in. It is a no-op while a
// connection is already open or being established.
func (c *Conn) Connect(ctx context.Context) error {
	user, ok := c.identity.CurrentUser()
	if !ok {
		return ErrNoIdentity
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	epoch := c.epoch
	c.mu.Unlock()

	return c.dial(ctx, user.Id, epoch)
}

func (c *Conn) dial(ctx context.Context, userId string, epoch uint64) error {
	header := http.Header{}
	if token := c.identity.Token(); token != "" {
		header.Set("Cookie", auth.SessionCookie(token).String())
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, header)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		// torn down while dialing
		if ws != nil {
			ws.Close()
		}
		return nil
	}

	if err != nil {
		c.state = StateDisconnected
		c.scheduleReconnect(epoch)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(NewAuthFrame(userId)); err != nil {
		ws.Close()
		c.state = StateDisconnected
		c.scheduleReconnect(epoch)
		return fmt.Errorf("auth handshake: %w", err)
	}

	c.ws = ws
	c.state = StateOpen
	c.send = make(chan []byte, sendBufferSize)
	c.done = make(chan struct{})
	c.stats.Incr(stats.PushConnects)
	c.log.Printf("push connected to %s as %q", c.url, userId)

	c.wg.Add(2)
	go c.writePump(ws, c.send, c.done)
	go c.readPump(ws)

	return nil
}

// Send queues a frame for delivery. It does not wait for the write.
func (c *Conn) Send(frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return ErrNotOpen
	}

	select {
	case c.send <- raw:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears the connection down and cancels any pending reconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.epoch++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	if ws != nil {
		close(c.done)
		c.ws = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = ws.Close()
	}

	c.wg.Wait()
	return err
}

// scheduleReconnect must be called with c.mu held.
func (c *Conn) scheduleReconnect(epoch uint64) {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.log.Printf("push disconnected, reconnecting in %s", c.reconnectDelay)
	c.reconnectTimer = c.afterFunc(c.reconnectDelay, func() {
		c.reconnect(epoch)
	})
}

func (c *Conn) reconnect(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil

	user, ok := c.identity.CurrentUser()
	if !ok {
		c.mu.Unlock()
		c.log.Println("push reconnect skipped: no signed in user")
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.stats.Incr(stats.PushReconnects)
	if err := c.dial(context.Background(), user.Id, epoch); err != nil {
		c.log.Println("push reconnect:", err)
	}
}

// handleClose runs when the read side of ws fails. It is a no-op if the
// connection was already torn down by Close.
func (c *Conn) handleClose(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != ws {
		return
	}

	close(c.done)
	ws.Close()
	c.ws = nil
	c.state = StateDisconnected
	c.scheduleReconnect(c.epoch)
}

func (c *Conn) readPump(ws *websocket.Conn) {
	defer func() {
		c.handleClose(ws)
		c.wg.Done()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Printf("push read: %v", err)
			}
			return
		}

		ev, err := DecodeEvent(raw)
		if err != nil {
			c.log.Println("push event ignored:", err)
			continue
		}

		c.stats.Incr(stats.PushEventsReceived)
		c.handler(ev)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case msg := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Printf("push write: %v", err)
				// unblocks the read side, which owns the close handling
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}
