package alertsink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"farmsense-ingest/internal/alertsink"
	"farmsense-ingest/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func sampleEvent() models.AlertEvent {
	return models.AlertEvent{
		AlertID:          "alert-1",
		DeviceID:         "green-01",
		TenantID:         "tenant-a",
		Level:            models.EscalationWarning,
		MissedHeartbeats: 2,
		Timestamp:        time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_PublishesToStream(t *testing.T) {
	client, _ := newRedis(t)
	ctx := context.Background()

	p := alertsink.NewPublisher(client, "alerts:events:stream", "", zap.NewNop())
	require.NoError(t, p.PublishAlert(ctx, sampleEvent()))

	entries, err := client.XRange(ctx, "alerts:events:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, ok := entries[0].Values["data"].(string)
	require.True(t, ok)

	var got models.AlertEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "alert-1", got.AlertID)
	assert.Equal(t, models.EscalationWarning, got.Level)
	assert.False(t, got.Resolved)
}

func TestPublisher_PostsToWebhook(t *testing.T) {
	client, _ := newRedis(t)
	ctx := context.Background()

	received := make(chan models.AlertEvent, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event models.AlertEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	p := alertsink.NewPublisher(client, "alerts:events:stream", server.URL, zap.NewNop())
	require.NoError(t, p.PublishAlert(ctx, sampleEvent()))

	select {
	case event := <-received:
		assert.Equal(t, "green-01", event.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestPublisher_WebhookFailureDoesNotFailPublish(t *testing.T) {
	client, _ := newRedis(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	p := alertsink.NewPublisher(client, "alerts:events:stream", server.URL, zap.NewNop())
	// 流投递成功即算成功，回调失败由通知协作方从流补读
	assert.NoError(t, p.PublishAlert(ctx, sampleEvent()))

	entries, err := client.XRange(ctx, "alerts:events:stream", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPublisher_StreamFailureIsAnError(t *testing.T) {
	client, mr := newRedis(t)

	mr.SetError("READONLY You can't write against a read only replica")

	p := alertsink.NewPublisher(client, "alerts:events:stream", "", zap.NewNop())
	assert.Error(t, p.PublishAlert(context.Background(), sampleEvent()))
}
