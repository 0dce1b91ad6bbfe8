package ws

import "sync"

// ChannelStats is the hub channel carrying live pipeline updates.
const ChannelStats = "stats"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by channel name.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with channel name.
type message struct {
	channel string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	channel string
	client  Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.channel]; !ok {
				h.clients[sub.channel] = make(map[Subscriber]struct{})
			}
			h.clients[sub.channel][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.channel]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.channel)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.channel]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.channel)
				}
			}
		}
	}
}

// Register adds a client to a channel.
func (h *Hub) Register(channel string, client Subscriber) {
	h.register <- subscription{channel: channel, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(channel string, client Subscriber) {
	h.unreg <- subscription{channel: channel, client: client}
}

// Broadcast sends payload to all channel subscribers.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.broadcast <- message{channel: channel, payload: payload}
}
