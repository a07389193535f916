package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"wingman/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeishuNotifier_ManagerTerminated(t *testing.T) {
	bodies := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		assert.NoError(t, json.Unmarshal(data, &body))
		bodies <- body
	}))
	defer srv.Close()

	n := NewFeishuNotifier(config.NotificationConfig{FeishuWebhookURL: srv.URL})
	require.True(t, n.Enabled())
	require.NoError(t, n.ManagerTerminated(context.Background(), "flock", "DEAD", errors.New("startup script missing")))

	body := <-bodies
	assert.Equal(t, "interactive", body["msg_type"])
	raw, _ := json.Marshal(body["card"])
	assert.Contains(t, string(raw), "flock")
	assert.Contains(t, string(raw), "startup script missing")
}

func TestFeishuNotifier_Disabled(t *testing.T) {
	t.Setenv("FEISHU_WEBHOOK_URL", "")
	n := NewFeishuNotifier(config.NotificationConfig{})
	assert.False(t, n.Enabled())
	assert.NoError(t, n.ManagerTerminated(context.Background(), "flock", "DEAD", nil))
}

func TestFeishuNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewFeishuNotifier(config.NotificationConfig{FeishuWebhookURL: srv.URL})
	assert.Error(t, n.ManagerTerminated(context.Background(), "flock", "DEAD", errors.New("boom")))
}
