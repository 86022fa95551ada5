package stream

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Hub fans event payloads out to websocket subscribers grouped by feed
// channel. With a redis client attached, broadcasts also travel through
// pub/sub so every API node delivers them to its local subscribers.
type Hub struct {
	redis   *redis.Client
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	Channel string
	Send    chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(channel string) *Client {
	client := &Client{
		Channel: channel,
		Send:    make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[channel] == nil {
		h.clients[channel] = map[*Client]struct{}{}
	}
	h.clients[channel][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if channelClients, ok := h.clients[client.Channel]; ok {
		delete(channelClients, client)
		if len(channelClients) == 0 {
			delete(h.clients, client.Channel)
		}
	}
	close(client.Send)
}

// Broadcast hands payload to every subscriber of channel. When redis is
// attached the payload goes through pub/sub only, so local subscribers
// receive it exactly once via the shared subscription.
func (h *Hub) Broadcast(channel string, payload []byte) {
	if h.redis == nil {
		h.deliver(channel, payload)
		return
	}

	err := h.redis.Publish(context.Background(), redisChannel(channel), payload).Err()
	if err != nil {
		log.Printf("redis publish error: %v", err)
		h.deliver(channel, payload)
	}
}

func (h *Hub) deliver(channel string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[channel]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "feedcast:*")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		h.deliver(channelFromRedis(msg.Channel), []byte(msg.Payload))
	}
}

func redisChannel(channel string) string {
	return "feedcast:" + channel
}

func channelFromRedis(ch string) string {
	const prefix = "feedcast:"
	if len(ch) <= len(prefix) {
		return ""
	}
	return ch[len(prefix):]
}
