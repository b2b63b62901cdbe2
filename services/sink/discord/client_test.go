package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/sink"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{BotToken: "bot-token", BaseURL: server.URL}, zap.NewNop())
}

func TestClient_ResolveDestination_Caches(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/channels/123", r.URL.Path)
		assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"123","type":0,"name":"audit-feed"}`))
	})

	for i := 0; i < 3; i++ {
		dest, err := c.ResolveDestination(context.Background(), "123")
		require.NoError(t, err)
		assert.Equal(t, "123", dest.ID)
		assert.Equal(t, "audit-feed", dest.Name)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_ResolveDestination_NotText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"123","type":2,"name":"voice"}`))
	})

	_, err := c.ResolveDestination(context.Background(), "123")

	require.Error(t, err)
	assert.True(t, services.IsSinkDeliveryError(err))
}

func TestClient_ResolveDestination_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	})

	_, err := c.ResolveDestination(context.Background(), "123")
	assert.True(t, errors.Is(err, sink.ErrDestinationNotFound))

	_, err = c.ResolveDestination(context.Background(), "")
	assert.True(t, errors.Is(err, sink.ErrDestinationNotFound))
}

func TestClient_Send(t *testing.T) {
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/channels/123/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req createMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Embeds, 1)

		e := req.Embeds[0]
		assert.Equal(t, "VRCHAT EVENT", e.Title)
		assert.Equal(t, 0x3498db, e.Color)
		require.Len(t, e.Fields, 2)
		assert.Equal(t, "Username", e.Fields[0].Name)
		assert.Equal(t, "Alice", e.Fields[0].Value)
		require.NotNil(t, e.Thumbnail)
		assert.Equal(t, "https://cdn.example/bot.png", e.Thumbnail.URL)
		require.NotNil(t, e.Footer)
		assert.Equal(t, "Join request submitted", e.Footer.Text)
		assert.Equal(t, "2026-03-01T12:00:00Z", e.Timestamp)

		assert.Equal(t, Nonce("e1"), req.Nonce)
		assert.True(t, req.EnforceNonce)

		_, _ = w.Write([]byte(`{"id":"msg_987","channel_id":"123"}`))
	})

	ref, err := c.Send(context.Background(), &sink.Destination{ID: "123"}, &sink.Notification{
		Key:          "e1",
		Title:        "VRCHAT EVENT",
		Fields:       []sink.Field{{Name: "Username", Value: "Alice"}, {Name: "When", Value: "<t:1772366400:F>"}},
		ThumbnailURL: "https://cdn.example/bot.png",
		Footer:       "Join request submitted",
		Color:        0x3498db,
		Timestamp:    when,
	})

	require.NoError(t, err)
	assert.Equal(t, "msg_987", ref)
}

func TestClient_Send_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  map[string]string
		body    string
		errType services.ErrorType
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "1.5"}, `{"message":"You are being rate limited.","code":0}`, services.ErrorTypeRateLimit},
		{"missing access", http.StatusForbidden, nil, `{"message":"Missing Access","code":50001}`, services.ErrorTypeSinkDelivery},
		{"server error", http.StatusInternalServerError, nil, ``, services.ErrorTypeSinkDelivery},
		{"no id", http.StatusOK, nil, `{}`, services.ErrorTypeSinkDelivery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Send(context.Background(), &sink.Destination{ID: "123"}, &sink.Notification{Title: "x"})

			require.Error(t, err)
			assert.Equal(t, tt.errType, services.GetErrorType(err))
		})
	}
}

func TestClient_Send_RetryAfterDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Send(context.Background(), &sink.Destination{ID: "123"}, &sink.Notification{Title: "x"})

	details := services.GetErrorDetails(err)
	assert.Equal(t, 2*time.Second, details["retry_after"])
	assert.Equal(t, http.StatusTooManyRequests, details["status_code"])
}

func TestClient_Send_RequiresArguments(t *testing.T) {
	c := NewClient(Config{}, zap.NewNop())

	_, err := c.Send(context.Background(), nil, &sink.Notification{})
	assert.Error(t, err)
}

func TestNonce(t *testing.T) {
	a := Nonce("e1")

	assert.Len(t, a, maxNonceLen)
	assert.Equal(t, a, Nonce("e1"))
	assert.NotEqual(t, a, Nonce("e2"))
}

func TestBuildEmbed_OmitsEmptyParts(t *testing.T) {
	e := buildEmbed(&sink.Notification{Title: "t", Color: 1})

	assert.Nil(t, e.Thumbnail)
	assert.Nil(t, e.Footer)
	assert.Empty(t, e.Timestamp)
}
