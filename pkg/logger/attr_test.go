package logger_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

func TestGroup(t *testing.T) {
	t.Parallel()
	attr := logger.Group("req", slog.String("id", "1"), slog.Int("n", 2))
	require.Equal(t, "req", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "id", g[0].Key)
	assert.Equal(t, "n", g[1].Key)
}

func TestErrors(t *testing.T) {
	t.Parallel()
	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err1, g[0].Value.Any())
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil).Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	t.Parallel()
	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())

	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestIdentifierAttrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(string) slog.Attr
		key  string
	}{
		{"user", logger.UserID, "user_id"},
		{"subscription", logger.SubscriptionID, "subscription_id"},
		{"external", logger.ExternalID, "external_id"},
		{"event", logger.EventID, "event_id"},
		{"request", logger.RequestID, "request_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			attr := tt.fn("abc")
			assert.Equal(t, tt.key, attr.Key)
			assert.Equal(t, "abc", attr.Value.String())
			assert.True(t, tt.fn("").Equal(slog.Attr{}), "empty id yields empty attr")
		})
	}
}

func TestValueAttrs(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "professional", logger.Tier("professional").Value.String())
	assert.Equal(t, "past_due", logger.Status("past_due").Value.String())
	assert.Equal(t, "stripe", logger.Provider("stripe").Value.String())
	assert.Equal(t, "billing_engine", logger.Component("billing_engine").Value.String())
	assert.Equal(t, "customer.subscription.updated", logger.EventType("customer.subscription.updated").Value.String())
	assert.Equal(t, 2*time.Second, logger.Duration(2*time.Second).Value.Duration())
}
