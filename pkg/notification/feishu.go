package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"wingman/pkg/config"
	"wingman/pkg/logger"
)

// FeishuNotifier sends operator alerts to a Feishu (Lark) bot webhook
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a notifier. The configured webhook wins over FEISHU_WEBHOOK_URL;
// with neither, notifications are skipped.
func NewFeishuNotifier(cfg config.NotificationConfig) *FeishuNotifier {
	webhookURL := cfg.FeishuWebhookURL
	if webhookURL == "" {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
	}
	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check config file or FEISHU_WEBHOOK_URL env), Feishu notifications will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a webhook is configured
func (f *FeishuNotifier) Enabled() bool {
	return f.webhookURL != ""
}

// ManagerTerminated alerts that the cluster manager of clusterName stopped on an error
func (f *FeishuNotifier) ManagerTerminated(ctx context.Context, clusterName, state string, cause error) error {
	if f.webhookURL == "" {
		return nil
	}
	return f.send(ctx, f.buildManagerTerminatedMessage(clusterName, state, cause, time.Now()))
}

func (f *FeishuNotifier) send(ctx context.Context, message map[string]interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu notification sent")
	return nil
}

// buildManagerTerminatedMessage builds the message card of a terminated cluster manager
func (f *FeishuNotifier) buildManagerTerminatedMessage(clusterName, state string, cause error, at time.Time) map[string]interface{} {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": "red",
				"title": map[string]interface{}{
					"content": "Cluster manager stopped",
					"tag":     "plain_text",
				},
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"fields": []interface{}{
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Cluster**\n%s", clusterName),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**State**\n%s", state),
								"tag":     "lark_md",
							},
						},
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Error**: %s", reason),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Time**: %s", at.Format("2006-01-02 15:04:05")),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "hr",
				},
				map[string]interface{}{
					"tag": "note",
					"elements": []interface{}{
						map[string]interface{}{
							"content": "The manager no longer scales this cluster. Restart it with POST /api/v1/cluster/manager once the cause is fixed.",
							"tag":     "plain_text",
						},
					},
				},
			},
		},
	}
}
