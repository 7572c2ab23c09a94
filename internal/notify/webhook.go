package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"suasflow/internal/config"
	"suasflow/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookSink struct {
	URL    string
	Secret string
	client *http.Client
	filter eventFilter
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		URL:    hook.URL,
		Secret: hook.Secret,
		client: &http.Client{Timeout: timeout},
		filter: newEventFilter(hook.Events),
	}
}

func (w *WebhookSink) Name() string { return "webhook:" + w.URL }

func (w *WebhookSink) Accepts(eventType string) bool { return w.filter.match(eventType) }

func (w *WebhookSink) Deliver(ctx context.Context, municipalityID string, evt domain.Event) error {
	data, err := json.Marshal(envelope(municipalityID, evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Suas-Event", evt.Type)
	req.Header.Set("X-Suas-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Suas-Municipality", municipalityID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Suas-Secret", w.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
