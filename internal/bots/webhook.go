package bots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"threadcast/internal/model"
)

// HTTPWebhook is the reference Webhook: one JSON POST per delivery with
// a bounded timeout, no retries.
type HTTPWebhook struct {
	client *http.Client
}

func NewHTTPWebhook(timeout time.Duration) *HTTPWebhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhook{client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	BotID     string    `json:"bot_id"`
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	GroupID   string    `json:"group_id,omitempty"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *HTTPWebhook) Deliver(ctx context.Context, bot model.Bot, msg model.Message) error {
	body, err := json.Marshal(webhookPayload{
		BotID:     bot.ID,
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		GroupID:   msg.GroupID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bot.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", bot.WebhookURL, resp.Status)
	}
	return nil
}
