package chat

import (
	"context"
	"sync"
)

// Hub hands out one Client per signed-in user so conversation state
// survives across requests within the server process.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	factory func(ctx context.Context, userID string) (*Client, error)
}

func NewHub(factory func(ctx context.Context, userID string) (*Client, error)) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		factory: factory,
	}
}

func (h *Hub) ClientFor(ctx context.Context, userID string) (*Client, error) {
	h.mu.Lock()
	if client, ok := h.clients[userID]; ok {
		h.mu.Unlock()
		return client, nil
	}
	h.mu.Unlock()

	client, err := h.factory(ctx, userID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.clients[userID]; ok {
		return existing, nil
	}
	h.clients[userID] = client
	return client, nil
}
