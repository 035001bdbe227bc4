// Package notify publishes segment lifecycle and membership events to the
// tenant's live-update channel and streams them to connected clients.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Event names on the live channel.
const (
	EventRecalcStart   = "recalc_start"
	EventRecalcFinish  = "recalc_finish"
	EventRecalcFailPfx = "recalc_fail_"
	EventMemberAdded   = "segment_member_added"
	EventMemberRemoved = "segment_member_removed"
)

// Event is one message on the live channel. Token scopes it to a tenant.
type Event struct {
	Token   string          `json:"token"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// NewEvent encodes payload into an event.
func NewEvent(token, name string, payload interface{}, ts time.Time) (Event, error) {
	ev := Event{Token: token, Name: name, TS: ts.UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return ev, fmt.Errorf("encode %s payload: %w", name, err)
		}
		ev.Payload = b
	}
	return ev, nil
}

// Encode returns the wire form of the event.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// DecodeEvent parses the wire form of an event.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Publisher delivers encoded events to the live channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PGPublisher publishes through PostgreSQL NOTIFY.
type PGPublisher struct {
	db      *sql.DB
	channel string
}

// NewPGPublisher creates a publisher notifying channel.
func NewPGPublisher(db *sql.DB, channel string) *PGPublisher {
	return &PGPublisher{db: db, channel: channel}
}

// Publish sends the event with pg_notify. Payloads are limited to 8000 bytes
// by Postgres.
func (p *PGPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(b)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", p.channel, err)
	}
	return nil
}

// RedisPublisher publishes through Redis pub/sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends the event with PUBLISH.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}
