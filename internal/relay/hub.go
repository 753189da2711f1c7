package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/messagehub/internal/metrics"
	"github.com/4xmen/messagehub/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub routes events between connected users. A user has at most one live
// connection; a newer one replaces the older.
type Hub struct {
	store      *Store
	log        *slog.Logger
	clients    map[string]*Client
	calls      map[string]string // caller or answerer -> other party
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

type Client struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	joined bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub(store *Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:      store,
		log:        log,
		clients:    make(map[string]*Client),
		calls:      make(map[string]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			old := h.clients[client.userID]
			h.clients[client.userID] = client
			total := len(h.clients)
			h.mu.Unlock()
			if old != nil {
				old.conn.Close()
			}
			metrics.RelayConnections.Set(float64(total))
			h.log.Info("user connected", "user_id", client.userID, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			current := h.clients[client.userID] == client
			var partners []string
			if current {
				delete(h.clients, client.userID)
				partners = h.dropCallsLocked(client.userID)
			}
			total := len(h.clients)
			h.mu.Unlock()
			close(client.send)
			metrics.RelayConnections.Set(float64(total))
			h.log.Info("user disconnected", "user_id", client.userID, "total", total)
			for _, p := range partners {
				h.Notify(p, models.EventCallEnded, models.CallEnded{From: client.userID})
			}
			if current {
				h.broadcastPresence()
			}
		}
	}
}

// linkCall records that from has offered or answered a call with to.
func (h *Hub) linkCall(from, to string) {
	h.mu.Lock()
	h.calls[from] = to
	h.mu.Unlock()
}

func (h *Hub) unlinkCall(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls[a] == b {
		delete(h.calls, a)
	}
	if h.calls[b] == a {
		delete(h.calls, b)
	}
}

// dropCallsLocked forgets every call userID takes part in and returns the
// other parties.
func (h *Hub) dropCallsLocked(userID string) []string {
	var partners []string
	if p, ok := h.calls[userID]; ok {
		partners = append(partners, p)
		delete(h.calls, userID)
	}
	for from, to := range h.calls {
		if to != userID {
			continue
		}
		delete(h.calls, from)
		if !slices.Contains(partners, from) {
			partners = append(partners, from)
		}
	}
	return partners
}

// IsUserOnline reports whether userID has announced itself with join.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[userID]
	return ok && c.joined
}

func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id, c := range h.clients {
		if c.joined {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Notify sends one event to userID if connected.
func (h *Hub) Notify(userID, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode event", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[userID]; ok {
		c.deliver(frame)
	}
}

func (h *Hub) broadcastPresence() {
	frame, err := encode(models.EventOnlineUsers, h.OnlineUserIDs())
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.deliver(frame)
	}
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: data})
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := currentUser(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, 256),
	}
	h.register <- client

	go client.readPump()
	go client.writePump()
}

func (c *Client) deliver(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.hub.log.Warn("send buffer full", "user_id", c.userID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read", "user_id", c.userID, "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}
		metrics.RelayEvents.WithLabelValues(env.Event).Inc()

		switch env.Event {
		case models.EventJoin:
			c.handleJoin(env.Data)
		case models.EventSendMessage:
			c.handleSendMessage(env.Data)
		case models.EventCallUser, models.EventMakeAnswer, models.EventICECandidate, models.EventEndCall:
			c.handleSignaling(env.Event, env.Data)
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil || userID != c.userID {
		c.hub.log.Warn("join with foreign identity", "user_id", c.userID, "claimed", userID)
		return
	}
	c.hub.mu.Lock()
	c.joined = true
	c.hub.mu.Unlock()
	c.hub.broadcastPresence()
}

// handleSendMessage relays a message the sender already persisted over
// REST. The stored copy is what gets forwarded.
func (c *Client) handleSendMessage(data json.RawMessage) {
	var in models.Message
	if err := json.Unmarshal(data, &in); err != nil || in.ID == "" {
		return
	}
	msg, err := c.hub.store.Message(in.ID)
	if err != nil {
		c.hub.log.Warn("relay unknown message", "id", in.ID, "error", err)
		return
	}
	if msg.SenderID != c.userID {
		c.hub.log.Warn("relay foreign message", "id", in.ID, "user_id", c.userID)
		return
	}

	online := c.hub.IsUserOnline(msg.ReceiverID)
	if online {
		c.hub.Notify(msg.ReceiverID, models.EventReceiveMessage, msg)
	}
	c.hub.Notify(msg.SenderID, models.EventReceiveMessage, msg)

	if !online {
		return
	}
	updated, changed, err := c.hub.store.MarkDelivered(msg.ID, msg.ReceiverID)
	if err != nil {
		c.hub.log.Error("mark delivered", "id", msg.ID, "error", err)
		return
	}
	if changed {
		c.hub.Notify(msg.SenderID, models.EventMessageUpdated, updated)
		c.hub.Notify(msg.ReceiverID, models.EventMessageUpdated, updated)
	}
}

// signal is the union of the outbound call payloads.
type signal struct {
	To        string                     `json:"to"`
	Offer     *models.SessionDescription `json:"offer,omitempty"`
	Answer    *models.SessionDescription `json:"answer,omitempty"`
	Candidate *models.ICECandidate       `json:"candidate,omitempty"`
}

func (c *Client) handleSignaling(event string, data json.RawMessage) {
	var in signal
	if err := json.Unmarshal(data, &in); err != nil || in.To == "" || in.To == c.userID {
		return
	}

	switch event {
	case models.EventCallUser:
		if in.Offer == nil {
			return
		}
		if !c.hub.IsUserOnline(in.To) {
			c.hub.Notify(c.userID, models.EventCallEnded, models.CallEnded{From: in.To})
			return
		}
		c.hub.linkCall(c.userID, in.To)
		c.hub.Notify(in.To, models.EventCallMade, models.CallMade{From: c.userID, Offer: *in.Offer})
	case models.EventMakeAnswer:
		if in.Answer == nil {
			return
		}
		c.hub.linkCall(c.userID, in.To)
		c.hub.Notify(in.To, models.EventAnswerMade, models.AnswerMade{From: c.userID, Answer: *in.Answer})
	case models.EventICECandidate:
		if in.Candidate == nil {
			return
		}
		c.hub.Notify(in.To, models.EventICECandidate, models.InboundCandidate{From: c.userID, Candidate: *in.Candidate})
	case models.EventEndCall:
		c.hub.unlinkCall(c.userID, in.To)
		c.hub.Notify(in.To, models.EventCallEnded, models.CallEnded{From: c.userID})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
