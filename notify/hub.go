package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const hubWriteTimeout = 10 * time.Second

// Event is the frame pushed to subscribed websocket clients.
type Event struct {
	Event   string    `json:"event"`
	Room    string    `json:"room"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

type hubClient struct {
	conn *websocket.Conn
	room string
}

// Hub fans confirmation-monitor events out to websocket subscribers grouped
// by room. Slow or broken connections are dropped rather than blocking the
// publisher.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*hubClient]struct{}
	log     *slog.Logger
	nowFn   func() time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewHub constructs an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:   make(map[string]map[*hubClient]struct{}),
		log:     log,
		nowFn:   time.Now,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// ServeHTTP upgrades the request to a websocket and subscribes it to the
// room named in the ?room= query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		http.Error(w, "room query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	client := &hubClient{conn: conn, room: room}
	h.register(client)
	defer h.unregister(client)
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Drain the connection so pings are answered and a client close ends
	// the subscription.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish sends an event to every subscriber of the room. It satisfies the
// confirmation monitor's notifier contract and never blocks on a dead peer.
func (h *Hub) Publish(room, event string, payload map[string]any) {
	frame := Event{Event: event, Room: room, Payload: payload, SentAt: h.nowFn().UTC()}
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("encode hub event", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	subscribers := make([]*hubClient, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	for _, client := range subscribers {
		writeCtx, cancel := context.WithTimeout(h.baseCtx, hubWriteTimeout)
		err := client.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.unregister(client)
			_ = client.conn.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, clients := range h.rooms {
		for client := range clients {
			_ = client.conn.Close(websocket.StatusGoingAway, "hub shutting down")
		}
		delete(h.rooms, room)
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[client.room] == nil {
		h.rooms[client.room] = make(map[*hubClient]struct{})
	}
	h.rooms[client.room][client] = struct{}{}
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
}
