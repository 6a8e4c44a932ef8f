package handlers

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer    = 256
	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamEvents upgrades to a WebSocket and forwards store events as JSON.
// ?session_id= limits the stream to one session and ?type= (comma-separated)
// to some event types. A slow client loses events rather than blocking the
// store.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	kinds, ok := parseEventTypes(r.URL.Query().Get("type"))
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	out := make(chan models.StateEvent, eventBuffer)
	var dropped atomic.Int64
	for _, kind := range kinds {
		unsubscribe := h.Store.Subscribe(kind, func(ev models.StateEvent) error {
			if sessionID != "" && ev.SessionID != sessionID {
				return nil
			}
			select {
			case out <- ev:
			default:
				dropped.Add(1)
			}
			return nil
		})
		defer unsubscribe()
	}

	// Subscribed before the handshake completes so no event after it is missed.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()
	for {
		select {
		case ev := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-closed:
			if n := dropped.Load(); n > 0 {
				log.Warn().Int64("dropped", n).Str("session_id", sessionID).Msg("Event stream client lagged")
			}
			return
		case <-r.Context().Done():
			return
		}
	}
}

func parseEventTypes(raw string) ([]models.EventType, bool) {
	if raw == "" {
		return append([]models.EventType(nil), models.EventTypes...), true
	}
	var kinds []models.EventType
	for _, part := range strings.Split(raw, ",") {
		kind := models.EventType(strings.TrimSpace(part))
		if !kind.Valid() {
			return nil, false
		}
		kinds = append(kinds, kind)
	}
	return kinds, true
}
