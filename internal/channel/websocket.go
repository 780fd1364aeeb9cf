package channel

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentchat/internal/domain"
	"agentchat/internal/transport"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // single-user local server
	},
}

// wsHub tracks connected room clients.
type wsHub struct {
	api *API

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// wsClient is one connection and the rooms it joined.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	roomsMu sync.Mutex
	rooms   map[string]domain.Unsubscribe
}

func newWSHub(api *API) *wsHub {
	return &wsHub{api: api, clients: make(map[*wsClient]struct{})}
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *wsHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.api.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, rooms: make(map[string]domain.Unsubscribe)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.api.metrics.WebSocketClients(1)
	h.api.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		client.leaveAll()
		conn.Close()
		h.api.metrics.WebSocketClients(-1)
		h.api.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.api.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.api.logger.Warn("invalid websocket frame", "err", err)
			client.sendError("invalid frame")
			continue
		}

		switch frame.Type {
		case transport.FrameJoin:
			var p transport.RoomPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
				client.sendError("join needs a roomId")
				continue
			}
			h.join(client, p.RoomID)

		case transport.FrameGetHistory:
			var p transport.RoomPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
				client.sendError("get_history needs a roomId")
				continue
			}
			h.history(r, client, p.RoomID)

		case transport.FrameMessage:
			var msg domain.Message
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				client.sendError("invalid message payload")
				continue
			}
			if msg.ConversationID == "" || msg.SenderID == "" || strings.TrimSpace(msg.Content) == "" {
				client.sendError("message needs conversation_id, sender_id and content")
				continue
			}
			go h.runTurn(client, msg)

		default:
			h.api.logger.Debug("ignoring websocket frame", "type", frame.Type)
		}
	}
}

// join forwards the room's inserts to the client. Joining twice is a no-op.
func (h *wsHub) join(client *wsClient, roomID string) {
	client.roomsMu.Lock()
	defer client.roomsMu.Unlock()
	if _, ok := client.rooms[roomID]; ok {
		return
	}
	client.rooms[roomID] = h.api.store.SubscribeInserts(roomID, func(m domain.Message) {
		if m.Visible() {
			client.send(transport.FrameMessage, m)
		}
	})
}

func (h *wsHub) history(r *http.Request, client *wsClient, roomID string) {
	rows, err := h.api.store.ListSince(r.Context(), roomID, "")
	if err != nil {
		h.api.logger.Error("load history failed", "room", roomID, "err", err)
		client.sendError("load history failed")
		return
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, m := range rows {
		if m.Visible() {
			msgs = append(msgs, m)
		}
	}
	client.send(transport.FrameHistory, msgs)
}

// runTurn stores the client's message under its own id and runs the agent.
// The stored rows reach the client through its room subscription.
func (h *wsHub) runTurn(client *wsClient, msg domain.Message) {
	_, err := h.api.send(h.api.baseCtx, domain.SendRequest{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MessageID:      msg.ID,
	})
	if err != nil {
		h.api.logger.Warn("websocket turn failed", "conversation", msg.ConversationID, "err", err)
		client.sendError(err.Error())
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
	}
}

func (c *wsClient) send(frameType string, payload any) {
	frame, err := transport.NewFrame(frameType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) sendError(message string) {
	c.send(transport.FrameError, transport.ErrorPayload{Message: message})
}

func (c *wsClient) leaveAll() {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	for room, unsub := range c.rooms {
		unsub()
		delete(c.rooms, room)
	}
}
