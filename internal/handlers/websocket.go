package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pumpup-backend/internal/models"
	"pumpup-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	engine *services.Engine
	hub    *WebSocketHub
}

var _ services.Broadcaster = (*WebSocketHandler)(nil)

type WebSocketHub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
}

// Client is one connection. A user may hold several.
type Client struct {
	UserID string
	Conn   *websocket.Conn

	mu     sync.Mutex
	send   chan *Message
	closed bool
}

type Message struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	RoundID string `json:"round_id,omitempty"`
	Data    any    `json:"data"`
}

func NewWebSocketHandler(engine *services.Engine) *WebSocketHandler {
	hub := &WebSocketHub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 100),
		done:       make(chan struct{}),
	}

	go hub.run()

	return &WebSocketHandler{
		engine: engine,
		hub:    hub,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := currentUser(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client := &Client{
		UserID: userID,
		Conn:   conn,
		send:   make(chan *Message, clientSendSize),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}
	go client.writePump()

	defer func() {
		select {
		case h.hub.unregister <- client:
		case <-h.hub.done:
		}
	}()

	h.sendBalance(c, client)

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		h.handleMessage(client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		client.enqueue(&Message{
			Type: "PONG",
			Data: gin.H{"timestamp": time.Now().Unix()},
		})
	}
}

func (h *WebSocketHandler) sendBalance(c *gin.Context, client *Client) {
	balance, err := h.engine.Balance(c.Request.Context(), client.UserID)
	if err != nil {
		log.Printf("Failed to get balance for WS: %v", err)
		return
	}

	client.enqueue(balanceMessage(client.UserID, balance))
}

func (h *WebSocketHandler) BroadcastBalanceUpdate(userID string, balance int64) {
	h.hub.publish(balanceMessage(userID, balance))
}

func (h *WebSocketHandler) BroadcastRoundUpdate(userID string, round models.Round) {
	h.hub.publish(&Message{
		Type:    "ROUND_UPDATE",
		UserID:  userID,
		RoundID: round.ID,
		Data:    roundView(round),
	})
}

// Close stops the hub and drops every connection.
func (h *WebSocketHandler) Close() {
	close(h.hub.done)
}

func balanceMessage(userID string, balance int64) *Message {
	return &Message{
		Type:   "BALANCE_UPDATE",
		UserID: userID,
		Data: gin.H{
			"balance":   balance,
			"timestamp": time.Now().Unix(),
		},
	}
}

func (hub *WebSocketHub) run() {
	for {
		select {
		case client := <-hub.register:
			conns, ok := hub.clients[client.UserID]
			if !ok {
				conns = make(map[*Client]bool)
				hub.clients[client.UserID] = conns
			}
			conns[client] = true
			log.Printf("Client registered: %s", client.UserID)

		case client := <-hub.unregister:
			hub.remove(client)

		case message := <-hub.broadcast:
			hub.broadcastMessage(message)

		case <-hub.done:
			for _, conns := range hub.clients {
				for client := range conns {
					client.close()
				}
			}
			hub.clients = make(map[string]map[*Client]bool)
			return
		}
	}
}

// publish never blocks the caller; updates are dropped when the hub lags.
func (hub *WebSocketHub) publish(message *Message) {
	select {
	case hub.broadcast <- message:
	case <-hub.done:
	default:
		log.Printf("WebSocket hub busy, dropping %s for %s", message.Type, message.UserID)
	}
}

func (hub *WebSocketHub) remove(client *Client) {
	conns, ok := hub.clients[client.UserID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(hub.clients, client.UserID)
	}
	client.close()
	log.Printf("Client unregistered: %s", client.UserID)
}

func (hub *WebSocketHub) broadcastMessage(message *Message) {
	for client := range hub.clients[message.UserID] {
		if !client.enqueue(message) {
			// slow consumer
			hub.remove(client)
		}
	}
}

func (c *Client) enqueue(message *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump is the only writer of the connection.
func (c *Client) writePump() {
	defer c.Conn.Close()

	for message := range c.send {
		c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteJSON(message); err != nil {
			log.Printf("WebSocket write failed for %s: %v", c.UserID, err)
			return
		}
	}
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
