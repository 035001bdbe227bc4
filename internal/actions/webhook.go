package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/ignite/segment-engine/internal/pkg/httpretry"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// WebhookEvent is the body posted to a segment's webhook.
type WebhookEvent struct {
	Event       string                  `json:"event"`
	SegmentID   int64                   `json:"segment_id"`
	SegmentName string                  `json:"segment_name"`
	ObjectType  segmentation.ObjectType `json:"object_type"`
	ObjectID    int64                   `json:"object_id"`
	Transition  segmentation.Transition `json:"transition"`
	Returning   bool                    `json:"returning,omitempty"`
	Entity      *Entity                 `json:"entity,omitempty"`
	OccurredAt  time.Time               `json:"occurred_at"`
}

func newWebhookEvent(seg *segmentation.Segment, obj member, now time.Time) *WebhookEvent {
	event := "segment_member_added"
	if obj.transition == segmentation.TransitionExit {
		event = "segment_member_removed"
	}
	return &WebhookEvent{
		Event:       event,
		SegmentID:   seg.ID,
		SegmentName: seg.Name,
		ObjectType:  obj.objectType,
		ObjectID:    obj.id,
		Transition:  obj.transition,
		Returning:   obj.returning,
		Entity:      obj.entity,
		OccurredAt:  now.UTC(),
	}
}

// HTTPWebhookSender posts webhook events as JSON. Calls share one rate limit
// and transient failures are retried.
type HTTPWebhookSender struct {
	client  httpretry.HTTPDoer
	limiter *rate.Limiter
}

// WebhookOptions tunes the sender. Zero values fall back to defaults.
type WebhookOptions struct {
	Timeout        time.Duration
	Retries        int
	RatePerSecond  float64
	Burst          int
	RetryBaseDelay time.Duration
}

// NewHTTPWebhookSender creates a sender. A nil client uses http.Client with
// opts.Timeout.
func NewHTTPWebhookSender(client httpretry.HTTPDoer, opts WebhookOptions) *HTTPWebhookSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPWebhookSender{
		client: httpretry.NewRetryClient(client, httpretry.Options{
			MaxRetries:      opts.Retries,
			InitialInterval: opts.RetryBaseDelay,
		}),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

// Send posts event to hook.URL. Any non-2xx final response is an error.
func (s *HTTPWebhookSender) Send(ctx context.Context, hook *WebhookAction, event *WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	method := hook.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "segment-engine/1")
	req.Header.Set("X-Segment-Event", event.Event)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", hook.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s returned %d: %s", hook.URL, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
