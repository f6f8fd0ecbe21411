package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 16
	readLimit    = 512
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	writeWait    = 10 * time.Second
)

// Client is one open balance stream. Clients only listen; anything they send
// besides control frames is discarded.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Subscription describes who is listening and what they see first.
type Subscription struct {
	CustomerID string
	// Snapshot is the balance at connect time. It is queued ahead of any
	// broadcast so the client never starts from an unknown balance.
	Snapshot *BalanceUpdate
	// AllowedOrigins lists accepted Origin headers; empty or "*" accepts any.
	AllowedOrigins []string
}

func (s Subscription) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and streams the subscriber's balance updates
// until the peer goes away.
func ServeWS(w http.ResponseWriter, r *http.Request, hub *Hub, sub Subscription) {
	upgrader := websocket.Upgrader{CheckOrigin: sub.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	client := &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if sub.Snapshot != nil {
		if payload, err := json.Marshal(sub.Snapshot); err == nil {
			client.send <- payload
		}
	}
	hub.Register(sub.CustomerID, client)
	go client.writePump(hub, sub.CustomerID)
	client.readPump(hub, sub.CustomerID)
}

func (c *Client) readPump(hub *Hub, customerID string) {
	defer func() {
		hub.Unregister(customerID, c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(hub *Hub, customerID string) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		hub.Unregister(customerID, c)
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
