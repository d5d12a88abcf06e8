package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{"normal email", "alice@example.com", "***@example.com"},
		{"empty string", "", ""},
		{"no at sign", "not-an-email", "***"},
		{"at sign first", "@example.com", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactEmail(tt.email))
		})
	}
}

func TestGetLoggerFallback(t *testing.T) {
	// Before Initialize, GetLogger must still return a usable logger.
	l := GetLogger()
	assert.NotNil(t, l)
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "cid-1")
	ctx = context.WithValue(ctx, RoomIDKey, "room-1")
	ctx = context.WithValue(ctx, ConnectionIDKey, "conn-1")

	fields := appendContextFields(ctx, nil)
	// correlation_id, room_id, connection_id, service
	assert.Len(t, fields, 4)
}

func TestAppendContextFieldsNilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard on purpose
	fields := appendContextFields(nil, nil)
	assert.Empty(t, fields)
}
