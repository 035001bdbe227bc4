package actions

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/segment-engine/internal/segmentation"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(json.RawMessage(`{
		"add_tags": {"names": ["vip"]},
		"loyalty": {"delta": "25.50"},
		"notification": {"template": "hi {{ customer.name }}"},
		"webhook": {"url": "https://example.com/hook"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, OnEnter, cfg.AddTags.Trigger)
	assert.Equal(t, "25.5", cfg.Loyalty.Delta.String())
	assert.Equal(t, ChannelBot, cfg.Notification.Channel)
	assert.Equal(t, OnEnter, cfg.Notification.Trigger)
	assert.Equal(t, "POST", cfg.Webhook.Method)
	assert.Nil(t, cfg.RemoveTags)
	assert.False(t, cfg.Empty())
}

func TestParseConfig_Empty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}"} {
		cfg, err := ParseConfig(json.RawMessage(raw))
		require.NoError(t, err)
		assert.True(t, cfg.Empty())
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		problem string
	}{
		{"malformed", `{"add_tags":`, "malformed actions"},
		{"unknown action", `{"send_sms": {}}`, "unknown field"},
		{"no tag names", `{"add_tags": {"names": []}}`, "min"},
		{"duplicate tag names", `{"remove_tags": {"names": ["a", "a"]}}`, "unique"},
		{"unknown trigger", `{"add_tags": {"names": ["a"], "trigger": "sometimes"}}`, "oneof"},
		{"zero delta", `{"loyalty": {"delta": 0}}`, "must not be zero"},
		{"missing template", `{"notification": {"channel": "bot"}}`, "required"},
		{"bad template", `{"notification": {"template": "{% if customer %}hi"}}`, "actions.notification.template"},
		{"unknown channel", `{"notification": {"template": "x", "channel": "fax"}}`, "oneof"},
		{"bad url", `{"webhook": {"url": "nope"}}`, "url"},
		{"bad method", `{"webhook": {"url": "https://x.io", "method": "DELETE"}}`, "oneof"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, segmentation.ErrInvalidCriteria))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestTrigger_Fires(t *testing.T) {
	enter, exit := segmentation.TransitionEnter, segmentation.TransitionExit

	assert.True(t, OnEnter.Fires(enter, false))
	assert.True(t, OnEnter.Fires(enter, true))
	assert.False(t, OnEnter.Fires(exit, false))

	assert.True(t, OnFirstEnter.Fires(enter, false))
	assert.False(t, OnFirstEnter.Fires(enter, true))

	assert.True(t, OnExit.Fires(exit, false))
	assert.False(t, OnExit.Fires(enter, false))

	assert.False(t, Trigger("never").Fires(enter, false))
}

func TestRenderer(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render(`{{ customer.name | default: "friend" }} {{ delta | money }} {{ phone | mask_phone }}`,
		map[string]interface{}{"delta": "12.5", "phone": "+7 (900) 123-45-67"})
	require.NoError(t, err)
	assert.Equal(t, "friend 12.50 ***4567", out)

	_, err = r.Render("{% if true %}open", nil)
	assert.Error(t, err)
}
