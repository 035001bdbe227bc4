package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactEmail(tt.in))
		})
	}
}

func TestRedactPhone(t *testing.T) {
	assert.Equal(t, "***6789", RedactPhone("+7 912 345-67-89"))
	assert.Equal(t, "***", RedactPhone("123"))
}

func TestLogRedactsPIIFields(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: DEBUG, redactPII: true, out: &buf}

	l.log(INFO, "member added", "phone", "+79123456789", "customer_email", "john.doe@example.com", "segment_id", 7)

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "member added", entry["msg"])
	assert.Equal(t, "***6789", entry["phone"])
	assert.Equal(t, "jo***@example.com", entry["customer_email"])
	assert.Equal(t, "7", entry["segment_id"])
}

func TestLogBelowLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: WARN, out: &buf}

	l.log(INFO, "quiet")
	assert.Empty(t, buf.String())

	l.log(ERROR, "loud")
	assert.True(t, strings.Contains(buf.String(), "loud"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
}
