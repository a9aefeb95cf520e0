package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/zlnvch/pgprelay/service"
)

type Handler struct {
	Service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

// HandleUsers returns the roster: every known identity and who is online.
func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	roster, err := h.Service.Roster(r.Context())
	if err != nil {
		log.Printf("Roster failed: %v", err)
		http.Error(w, "failed to list users", http.StatusServiceUnavailable)
		return
	}
	h.sendResponse(w, roster)
}

// HandleHistory serves a conversation to the holder of a token issued at
// the end of the handshake.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	token := h.getTokenFromAuthHeader(r)
	identity, err := h.Service.AuthenticateToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	req := service.HistoryRequest{WithUser: r.URL.Query().Get("withUser")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		req.Limit, err = strconv.Atoi(limit)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	messages, err := h.Service.History(r.Context(), identity.Username, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMalformedRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrUnauthenticated):
			http.Error(w, "invalid token", http.StatusUnauthorized)
		default:
			http.Error(w, "failed to load history", http.StatusServiceUnavailable)
		}
		return
	}

	h.sendResponse(w, service.HistoryData{WithUser: req.WithUser, Messages: messages})
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
