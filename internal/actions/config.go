package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// Trigger decides which membership transitions fire an action.
type Trigger string

const (
	OnEnter      Trigger = "on_enter"
	OnExit       Trigger = "on_exit"
	OnFirstEnter Trigger = "on_first_enter"
)

// Fires reports whether the trigger matches a transition. returning is true
// when the object was a member of the segment at some earlier time.
func (t Trigger) Fires(tr segmentation.Transition, returning bool) bool {
	switch t {
	case "", OnEnter:
		return tr == segmentation.TransitionEnter
	case OnFirstEnter:
		return tr == segmentation.TransitionEnter && !returning
	case OnExit:
		return tr == segmentation.TransitionExit
	default:
		return false
	}
}

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelBot   Channel = "bot"
	ChannelEmail Channel = "email"
)

// TagAction adds or removes tags on the customer.
type TagAction struct {
	Names   []string `json:"names" validate:"required,min=1,unique,dive,required,max=64"`
	Trigger Trigger  `json:"trigger,omitempty" validate:"omitempty,oneof=on_enter on_exit on_first_enter"`
}

// LoyaltyAction adjusts the customer's loyalty card balance by Delta.
type LoyaltyAction struct {
	Delta       decimal.Decimal `json:"delta"`
	Description string          `json:"description,omitempty" validate:"max=255"`
	Trigger     Trigger         `json:"trigger,omitempty" validate:"omitempty,oneof=on_enter on_exit on_first_enter"`
}

// NotificationAction renders Template and sends it over Channel. With no
// Recipients the customer's own chat id or email address is used.
type NotificationAction struct {
	Template   string   `json:"template" validate:"required"`
	Subject    string   `json:"subject,omitempty" validate:"max=200"`
	Channel    Channel  `json:"channel,omitempty" validate:"omitempty,oneof=bot email"`
	Recipients []string `json:"recipients,omitempty" validate:"omitempty,dive,required"`
	Trigger    Trigger  `json:"trigger,omitempty" validate:"omitempty,oneof=on_enter on_exit on_first_enter"`
}

// WebhookAction posts a membership event to URL.
type WebhookAction struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT PATCH"`
	Headers map[string]string `json:"headers,omitempty"`
	Trigger Trigger           `json:"trigger,omitempty" validate:"omitempty,oneof=on_enter on_exit on_first_enter"`
}

// Config is a segment's action configuration as persisted in segments.actions.
// Every action is optional.
type Config struct {
	AddTags      *TagAction          `json:"add_tags,omitempty"`
	RemoveTags   *TagAction          `json:"remove_tags,omitempty"`
	Loyalty      *LoyaltyAction      `json:"loyalty,omitempty"`
	Notification *NotificationAction `json:"notification,omitempty"`
	Webhook      *WebhookAction      `json:"webhook,omitempty"`
}

// Empty reports whether no action is configured.
func (c *Config) Empty() bool {
	return c.AddTags == nil && c.RemoveTags == nil && c.Loyalty == nil &&
		c.Notification == nil && c.Webhook == nil
}

// ParseConfig decodes and validates an action configuration. A missing
// configuration is valid and empty. Problems are reported as a
// *segmentation.ValidationError.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, segmentation.NewValidationError("malformed actions: " + err.Error())
	}

	verr := segmentation.NewValidationError()
	segmentation.CollectValidation(segmentation.Validator().Struct(cfg), verr)
	cfg.check(verr)
	if err := verr.Err(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) check(verr *segmentation.ValidationError) {
	if c.Loyalty != nil && c.Loyalty.Delta.IsZero() {
		verr.Add("actions.loyalty.delta: must not be zero")
	}
	if c.Notification != nil {
		if _, err := defaultRenderer.Parse(c.Notification.Template); err != nil {
			verr.Add(fmt.Sprintf("actions.notification.template: %v", err))
		}
	}
	if c.Webhook != nil {
		for name := range c.Webhook.Headers {
			if strings.TrimSpace(name) == "" {
				verr.Add("actions.webhook.headers: empty header name")
			}
		}
	}
}

func (c *Config) normalize() {
	for _, t := range []*TagAction{c.AddTags, c.RemoveTags} {
		if t != nil && t.Trigger == "" {
			t.Trigger = OnEnter
		}
	}
	if c.Loyalty != nil && c.Loyalty.Trigger == "" {
		c.Loyalty.Trigger = OnEnter
	}
	if c.Notification != nil {
		if c.Notification.Trigger == "" {
			c.Notification.Trigger = OnEnter
		}
		if c.Notification.Channel == "" {
			c.Notification.Channel = ChannelBot
		}
	}
	if c.Webhook != nil {
		if c.Webhook.Trigger == "" {
			c.Webhook.Trigger = OnEnter
		}
		if c.Webhook.Method == "" {
			c.Webhook.Method = http.MethodPost
		}
	}
}
