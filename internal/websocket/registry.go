package websocket

import (
	"errors"
	"sync"

	"termtalk/internal/chat"
	"termtalk/internal/models"

	"github.com/google/uuid"
)

var errUnknownHandle = errors.New("no connection for handle")

// Registry maps router handles to live connections on this process.
type Registry struct {
	mu      sync.RWMutex
	clients map[chat.Handle]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[chat.Handle]*Client),
	}
}

// Register assigns c a fresh handle.
func (r *Registry) Register(c *Client) chat.Handle {
	h := chat.Handle(uuid.NewString())
	r.mu.Lock()
	r.clients[h] = c
	r.mu.Unlock()
	return h
}

func (r *Registry) Unregister(h chat.Handle) {
	r.mu.Lock()
	delete(r.clients, h)
	r.mu.Unlock()
}

// Deliver queues msg on the connection behind h without blocking.
func (r *Registry) Deliver(h chat.Handle, msg models.Message) error {
	r.mu.RLock()
	c, ok := r.clients[h]
	r.mu.RUnlock()
	if !ok {
		return errUnknownHandle
	}
	return c.enqueue(msg)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll tells every connection the server is going away.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.stop()
	}
}
