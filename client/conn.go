// Package client speaks the relay's event protocol. It runs the key
// handshake, sends and opens envelopes, and keeps local projections of
// conversations and whiteboards that can be rebuilt from the relay at any
// time.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/pgp"
	"github.com/zlnvch/pgprelay/service"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("client: connection closed")

// RelayError is an error_msg event returned by the relay.
type RelayError struct {
	service.ErrorData
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s (%s)", e.Message, e.Code)
}

// Conn is one websocket connection to the relay. Next and WaitFor must be
// called from a single goroutine.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	events  chan service.Event
	backlog []service.Event
	done    chan struct{}
	readErr error

	Username   string
	Token      string
	privateKey string
	passphrase []byte
}

// Dial opens a connection. Nothing is authenticated until Login.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:     ws,
		events: make(chan service.Event, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		var ev service.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("Dropping malformed frame from relay: %v", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-time.After(writeWait):
			log.Printf("Dropping %s event: reader is not keeping up", ev.Type)
		}
	}
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) emit(eventType string, data any) error {
	msg := service.EncodeEvent(eventType, data)
	if msg == nil {
		return fmt.Errorf("client: cannot encode %s", eventType)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// closedErr is only valid once done is closed.
func (c *Conn) closedErr() error {
	if c.readErr == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
}

// Next returns the next event from the relay.
func (c *Conn) Next(ctx context.Context) (service.Event, error) {
	if len(c.backlog) > 0 {
		ev := c.backlog[0]
		c.backlog = c.backlog[1:]
		return ev, nil
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		// Drain what arrived before the close
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		return service.Event{}, c.closedErr()
	case <-ctx.Done():
		return service.Event{}, ctx.Err()
	}
}

// WaitFor returns the first event of one of the given types. Events of other
// types are kept for later calls to Next. An error_msg ends the wait as a
// *RelayError.
func (c *Conn) WaitFor(ctx context.Context, eventTypes ...string) (service.Event, error) {
	var skipped []service.Event
	defer func() {
		c.backlog = append(skipped, c.backlog...)
	}()

	for {
		var ev service.Event
		select {
		case ev = <-c.events:
		case <-c.done:
			select {
			case ev = <-c.events:
			default:
				return service.Event{}, c.closedErr()
			}
		case <-ctx.Done():
			return service.Event{}, ctx.Err()
		}

		if ev.Type == service.EventError {
			var data service.ErrorData
			json.Unmarshal(ev.Data, &data)
			return ev, &RelayError{ErrorData: data}
		}
		for _, t := range eventTypes {
			if ev.Type == t {
				return ev, nil
			}
		}
		skipped = append(skipped, ev)
	}
}

// Login runs the handshake: register the public key, sign the challenge,
// and wait for the relay to accept it. The private key is kept for
// envelope operations.
func (c *Conn) Login(ctx context.Context, username, publicKey, privateKey string, passphrase []byte) error {
	if err := c.emit(service.EventRegister, service.RegisterRequest{Username: username, PublicKey: publicKey}); err != nil {
		return err
	}
	ev, err := c.WaitFor(ctx, service.EventVerify)
	if err != nil {
		return err
	}
	var verify service.VerifyData
	if err := json.Unmarshal(ev.Data, &verify); err != nil {
		return err
	}

	signed, err := pgp.SignChallenge(verify.Challenge, privateKey, passphrase)
	if err != nil {
		return err
	}
	if err := c.emit(service.EventVerifySignature, service.VerifySignatureRequest{Signed: signed}); err != nil {
		return err
	}
	ev, err = c.WaitFor(ctx, service.EventRegistered)
	if err != nil {
		return err
	}
	var registered service.RegisteredData
	if err := json.Unmarshal(ev.Data, &registered); err != nil {
		return err
	}

	c.Username = registered.Username
	c.Token = registered.Token
	c.privateKey = privateKey
	c.passphrase = passphrase
	return nil
}

// LoginWithKeyFile unlocks keyFile with password and logs in as its owner.
func (c *Conn) LoginWithKeyFile(ctx context.Context, keyFile *pgp.KeyFile, password []byte) error {
	privateKey, err := keyFile.Unlock(password)
	if err != nil {
		return err
	}
	return c.Login(ctx, keyFile.Username, keyFile.PublicKey, privateKey, nil)
}

func (c *Conn) Logout() error {
	return c.emit(service.EventLogout, nil)
}

// SendEncrypted encrypts payload to the recipient and to the sender and
// sends it. It returns the optimistic local record, keyed by its
// idempotency token until the relay acknowledges it.
func (c *Conn) SendEncrypted(to string, recipientPublicKey string, msgType string, payload any) (models.StoredMessage, error) {
	if c.privateKey == "" {
		return models.StoredMessage{}, errors.New("client: not logged in")
	}
	ciphertext, err := pgp.EncryptEnvelope(payload, []string{recipientPublicKey}, c.privateKey, c.passphrase)
	if err != nil {
		return models.StoredMessage{}, err
	}

	envelope := models.Envelope{
		Ciphertext:       ciphertext,
		Type:             msgType,
		IdempotencyToken: uuid.Must(uuid.NewV4()).String(),
	}
	if err := c.SendEnvelope(to, envelope); err != nil {
		return models.StoredMessage{}, err
	}
	return models.StoredMessage{
		From:      c.Username,
		To:        to,
		Payload:   envelope,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *Conn) SendEnvelope(to string, envelope models.Envelope) error {
	return c.emit(service.EventSendMessage, service.SendMessageRequest{To: to, Payload: envelope})
}

// Open decrypts a message and checks it was signed by senderPublicKey.
func (c *Conn) Open(msg models.StoredMessage, senderPublicKey string) (json.RawMessage, error) {
	return pgp.DecryptEnvelope(msg.Payload.Ciphertext, c.privateKey, c.passphrase, senderPublicKey)
}

func (c *Conn) RequestHistory(withUser string, limit int) error {
	return c.emit(service.EventHistory, service.HistoryRequest{WithUser: withUser, Limit: limit})
}

func (c *Conn) JoinWhiteboard(withUser string) error {
	return c.emit(service.EventJoinWhiteboard, service.WhiteboardRequest{WithUser: withUser})
}

func (c *Conn) DrawStroke(withUser string, stroke models.Stroke) error {
	return c.emit(service.EventDrawStroke, service.DrawStrokeRequest{WithUser: withUser, Stroke: stroke})
}

func (c *Conn) ClearWhiteboard(withUser string) error {
	return c.emit(service.EventClearWhiteboard, service.WhiteboardRequest{WithUser: withUser})
}

func (c *Conn) LeaveWhiteboard(withUser string) error {
	return c.emit(service.EventLeaveWhiteboard, service.WhiteboardRequest{WithUser: withUser})
}
