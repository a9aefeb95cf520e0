package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/service"
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

// NewWsUpgrader accepts any origin when allowedOrigin is empty.
func (h *Handler) NewWsUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
}

// ServeWS handles websocket requests from the peer. Connections start
// unauthenticated; identity is established by the register handshake.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	client := NewClient(h.Hub, conn, h.HandleWsMessage, h.handleClose)
	if !h.Hub.Open(client) {
		conn.Close()
		return
	}

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

func (h *Handler) handleClose(client *Client) {
	h.Service.Disconnect(context.Background(), client.State)
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg service.Event
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		h.sendError(client, "", fmt.Errorf("%w: invalid json", service.ErrMalformedRequest))
		return
	}

	ctx := context.Background()
	state := client.State
	var err error

	switch msg.Type {
	case service.EventRegister:
		var req service.RegisterRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		var challenge string
		challenge, err = h.Service.Register(ctx, state, req)
		if err == nil {
			state.Emit(service.EventVerify, service.VerifyData{Challenge: challenge})
		}

	case service.EventVerifySignature:
		var req service.VerifySignatureRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		err = h.Service.VerifySignature(ctx, state, req)

	case service.EventSendMessage:
		var req service.SendMessageRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		_, err = h.Service.Send(ctx, state, req)

	case service.EventHistory:
		var req service.HistoryRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		var messages []models.StoredMessage
		messages, err = h.Service.History(ctx, state.Username(), req)
		if err == nil {
			state.Emit(service.EventHistory, service.HistoryData{WithUser: req.WithUser, Messages: messages})
		}

	case service.EventLogout:
		h.Service.Logout(ctx, state)

	case service.EventJoinWhiteboard:
		var req service.WhiteboardRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		err = h.Service.JoinWhiteboard(ctx, state, req)

	case service.EventDrawStroke:
		var req service.DrawStrokeRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		_, err = h.Service.DrawStroke(ctx, state, req)

	case service.EventClearWhiteboard:
		var req service.WhiteboardRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		err = h.Service.ClearWhiteboard(ctx, state, req)

	case service.EventLeaveWhiteboard:
		var req service.WhiteboardRequest
		if err = decodeData(msg.Data, &req); err != nil {
			break
		}
		err = h.Service.LeaveWhiteboard(ctx, state, req)

	default:
		log.Printf("Unknown message type: %v", msg.Type)
		err = fmt.Errorf("%w: unknown event %q", service.ErrMalformedRequest, msg.Type)
	}

	if err != nil {
		log.Printf("%s failed for connection %s: %v", msg.Type, state.ID, err)
		h.sendError(client, msg.Type, err)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", service.ErrMalformedRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrMalformedRequest, err)
	}
	return nil
}

func (h *Handler) sendError(client *Client, eventType string, err error) {
	client.State.Emit(service.EventError, service.NewErrorData(eventType, err))
}
