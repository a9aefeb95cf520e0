package ws

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zlnvch/pgprelay/service"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Envelopes are armored
	// ciphertext for every recipient, so this is well above a stroke.
	maxMessageSize = 1024 * 64

	// Rate limiting: 20 messages per second with a burst of 30
	messagesPerSecond = 20
	burstLimit        = 30
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

func NewClient(hub *Hub, conn *websocket.Conn, handler MessageHandler, closeHandler func(*Client)) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:          hub,
		conn:         conn,
		handler:      handler,
		closeHandler: closeHandler,
		sessions:     make(map[string]struct{}),
		Send:         make(chan []byte, 128),
		ctx:          ctx,
		cancel:       cancel,
		limiter:      rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
	c.State = service.NewConnectionContext(c)
	return c
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	handler      MessageHandler
	closeHandler func(*Client)
	State        *service.ConnectionContext
	sessions     map[string]struct{} // owned by the hub
	Send         chan []byte         // Buffered channel of outbound messages.
	ctx          context.Context
	cancel       context.CancelFunc
	limiter      *rate.Limiter
}

// Deliver queues msg without blocking. A full buffer drops the frame; the
// client recovers through catch-up and history.
func (c *Client) Deliver(msg []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.Send <- msg:
		return true
	default:
		log.Printf("Dropping frame for connection %s: send buffer full", c.State.ID)
		return false
	}
}

// DeliverWait queues msg, waiting for the write pump to make room until ctx
// is done or the connection closes.
func (c *Client) DeliverWait(ctx context.Context, msg []byte) bool {
	select {
	case c.Send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	case <-ctx.Done():
		log.Printf("Gave up delivering to connection %s: %v", c.State.ID, ctx.Err())
		return false
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		if c.closeHandler != nil {
			c.closeHandler(c)
		}
		c.hub.closeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS close error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			log.Printf("Closing connection %s: message rate limit exceeded", c.State.ID)
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Nothing drains Send from here on
		c.cancel()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WS send error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Relay shutting down"),
			)
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
