package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"preview-gate/internal/model"

	"go.uber.org/zap"
)

// Handler delivers an item to one destination. Returning false or an error
// means the delivery failed. Handlers may be invoked again for the same item
// on a later attempt, so they must be safe to repeat.
type Handler interface {
	Handle(ctx context.Context, item model.ContentItem) (bool, error)
}

type HandlerFunc func(ctx context.Context, item model.ContentItem) (bool, error)

func (f HandlerFunc) Handle(ctx context.Context, item model.ContentItem) (bool, error) {
	return f(ctx, item)
}

// LogHandler only logs the item; useful as a dry-run destination.
type LogHandler struct {
	Logger *zap.Logger
}

func (h LogHandler) Handle(ctx context.Context, item model.ContentItem) (bool, error) {
	h.Logger.Info("Publishing content",
		zap.String("content_id", item.ID),
		zap.String("channel_id", item.ChannelID),
		zap.String("title", item.Title))
	return true, nil
}

// WebhookHandler POSTs the item as JSON; any 2xx response is a success.
type WebhookHandler struct {
	URL    string
	Client *http.Client
}

func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (h *WebhookHandler) Handle(ctx context.Context, item model.ContentItem) (bool, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)

	resp, err := h.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(msg))
	}
	return true, nil
}
