package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/italolelis/netxfer/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// WebhookNotifier posts {"content": ...} to a webhook, in the format Discord
// and Slack-compatible endpoints accept. The request itself is a transfer.
type WebhookNotifier struct {
	WebhookURL string
	Options    []transfer.Option
}

func (n *WebhookNotifier) Notify(ctx context.Context, content string) error {
	if n.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	var reply collector

	opts := append([]transfer.Option{transfer.WithFailOnError(true)}, n.Options...)

	if _, err := transfer.RunSynchronously(ctx, req, nil, &reply, opts...); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	if code, text := reply.result(); code < 200 || code >= 300 {
		return fmt.Errorf("webhook failed with status %d: %s", code, text)
	}

	return nil
}

// collector keeps the webhook's reply.
type collector struct {
	mu   sync.Mutex
	code int
	body bytes.Buffer
}

func (c *collector) DidReceiveResponse(_ *transfer.Handle, resp *transfer.Response) {
	c.mu.Lock()
	c.code = resp.StatusCode
	c.mu.Unlock()
}

func (c *collector) DidReceiveData(_ *transfer.Handle, data []byte) {
	c.mu.Lock()
	c.body.Write(data)
	c.mu.Unlock()
}

func (c *collector) result() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.code, c.body.String()
}
