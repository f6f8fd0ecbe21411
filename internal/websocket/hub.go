package websocket

import (
	"encoding/json"
	"sync"
)

// BalanceUpdate is pushed to a customer after their virtual account balance
// changed. Balance is a fixed two-place decimal string.
type BalanceUpdate struct {
	AccountID string  `json:"virtual_account_id"`
	Balance   string  `json:"balance"`
	LotID     *string `json:"lot_id,omitempty"`
	Reason    string  `json:"reason"`
}

// Hub fans balance updates out to the websocket clients of each customer.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(customerID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[customerID] == nil {
		h.clients[customerID] = make(map[*Client]struct{})
	}
	h.clients[customerID][client] = struct{}{}
}

func (h *Hub) Unregister(customerID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[customerID] == nil {
		return
	}
	delete(h.clients[customerID], client)
	if len(h.clients[customerID]) == 0 {
		delete(h.clients, customerID)
	}
}

// BroadcastBalance never blocks: a client whose send buffer is full misses the
// update.
func (h *Hub) BroadcastBalance(customerID string, update BalanceUpdate) {
	payload, _ := json.Marshal(update)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[customerID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (h *Hub) Connected(customerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[customerID])
}
