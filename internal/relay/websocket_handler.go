package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seabus0316/geofs-flightradar/internal/websocket"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// WebSocketHandler routes inbound session messages to the coordinator
type WebSocketHandler struct {
	coordinator *Coordinator
	ctx         context.Context
	logger      *logger.Logger
}

// NewWebSocketHandler creates a handler. ctx bounds work started on behalf of
// sessions, such as sending initial state to observers.
func NewWebSocketHandler(ctx context.Context, coordinator *Coordinator, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		coordinator: coordinator,
		ctx:         ctx,
		logger:      log.Named("ws-handler"),
	}
}

type clearTrackPayload struct {
	AircraftID string `json:"aircraftId"`
}

// HandleMessage handles one decoded message from a session
func (h *WebSocketHandler) HandleMessage(client *websocket.Client, msg *websocket.InboundMessage) error {
	switch msg.Type {
	case websocket.MessageTypeHello:
		role := msg.Role
		if role == "" && len(msg.Payload) > 0 {
			var p struct {
				Role string `json:"role"`
			}
			if err := json.Unmarshal(msg.Payload, &p); err == nil {
				role = p.Role
			}
		}
		initial, err := h.coordinator.DeclareRole(client, role)
		if err != nil || !initial {
			return err
		}
		// Initial state can take a while on a slow link; keep the read loop free.
		go func() {
			if err := h.coordinator.SendInitialState(h.ctx, client); err != nil {
				h.logger.Debug("Failed to send initial state",
					logger.Error(err),
					logger.String("client_id", client.ID()))
			}
		}()
		return nil

	case websocket.MessageTypePositionUpdate:
		_, err := h.coordinator.SubmitPosition(msg.Payload, client)
		return err

	case websocket.MessageTypeClearTrack:
		var p clearTrackPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return fmt.Errorf("failed to parse clear_track payload: %w", err)
			}
		}
		return h.coordinator.HandleClearTrack(client, p.AircraftID)

	case websocket.MessageTypePing:
		client.SendMessage(&websocket.Message{Type: websocket.MessageTypePong})
		return nil

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// HandleDisconnect releases a closed session's aircraft
func (h *WebSocketHandler) HandleDisconnect(client *websocket.Client) {
	if id := h.coordinator.HandleSessionClosed(client); id != "" {
		h.logger.Info("Player disconnected",
			logger.String("client_id", client.ID()),
			logger.String("aircraft_id", id))
	}
}
