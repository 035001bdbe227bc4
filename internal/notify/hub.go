package notify

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Source feeds raw event payloads from the live channel into deliver until
// ctx is done.
type Source interface {
	Run(ctx context.Context, deliver func([]byte)) error
}

// PGSource listens to PostgreSQL NOTIFY on a channel.
type PGSource struct {
	connStr string
	channel string
}

// NewPGSource creates a NOTIFY listener source.
func NewPGSource(connStr, channel string) *PGSource {
	return &PGSource{connStr: connStr, channel: channel}
}

func (s *PGSource) Run(ctx context.Context, deliver func([]byte)) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("[Hub] pg listener error: %v", err)
		}
	}
	listener := pq.NewListener(s.connStr, 10*time.Second, time.Minute, reportProblem)
	defer listener.Close()
	if err := listener.Listen(s.channel); err != nil {
		return err
	}
	log.Printf("[Hub] Listening on pg_notify channel '%s'", s.channel)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n != nil {
				deliver([]byte(n.Extra))
			}
		case <-ping.C:
			go listener.Ping()
		}
	}
}

// RedisSource subscribes to a Redis pub/sub channel.
type RedisSource struct {
	client  *redis.Client
	channel string
}

// NewRedisSource creates a Redis subscription source.
func NewRedisSource(client *redis.Client, channel string) *RedisSource {
	return &RedisSource{client: client, channel: channel}
}

func (s *RedisSource) Run(ctx context.Context, deliver func([]byte)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Printf("[Hub] Subscribed to redis channel '%s'", s.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			deliver([]byte(msg.Payload))
		}
	}
}

// Hub fans live events out to Server-Sent Events clients. Each client only
// receives the events of its own scope token. Slow clients miss messages
// rather than block the hub.
type Hub struct {
	source  Source
	mu      sync.RWMutex
	clients map[string]map[chan []byte]struct{}
}

// NewHub creates a hub reading from source.
func NewHub(source Source) *Hub {
	return &Hub{source: source, clients: make(map[string]map[chan []byte]struct{})}
}

// Start runs the source until ctx is done, restarting it after failures.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		for {
			err := h.source.Run(ctx, h.Broadcast)
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Hub] source stopped: %v, restarting in 5s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

// Broadcast routes one raw event to the clients of its token. Payloads that
// are not valid events are dropped.
func (h *Hub) Broadcast(raw []byte) {
	ev, err := DecodeEvent(raw)
	if err != nil || ev.Token == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[ev.Token] {
		select {
		case ch <- raw:
		default:
			// slow client, drop
		}
	}
}

// Subscribe registers a client for token. The returned func unregisters it.
func (h *Hub) Subscribe(token string) (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	if h.clients[token] == nil {
		h.clients[token] = make(map[chan []byte]struct{})
	}
	h.clients[token][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.clients[token], ch)
		if len(h.clients[token]) == 0 {
			delete(h.clients, token)
		}
		h.mu.Unlock()
	}
}

// Clients returns the number of connected clients for token.
func (h *Hub) Clients(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[token])
}

// HandleSSE streams the events of ?token= as Server-Sent Events.
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := h.Subscribe(token)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			w.Write([]byte("data: "))
			w.Write(msg)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
