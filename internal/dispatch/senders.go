package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"errand/internal/config"
	"errand/internal/types"
)

// WebhookSender POSTs messages to a channel gateway as JSON.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

type webhookPayload struct {
	OwnerID     string `json:"owner_id"`
	Destination string `json:"destination"`
	Text        string `json:"text"`
}

func (w *WebhookSender) Send(ctx context.Context, ownerID, destination, text string) error {
	body, err := json.Marshal(webhookPayload{OwnerID: ownerID, Destination: destination, Text: text})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// OutboxSender writes messages to a local outbox directory, one file per
// message. It is the default transport when no gateway is configured, and
// keeps results inspectable during development.
type OutboxSender struct {
	Dir     string
	Channel types.Channel
}

func (o *OutboxSender) Send(_ context.Context, ownerID, destination, text string) error {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}
	name := fmt.Sprintf("%d_%s_%s.txt", time.Now().UnixNano(), o.Channel, sanitize(destination))
	content := fmt.Sprintf("To: %s\nOwner: %s\nChannel: %s\n\n%s\n", destination, ownerID, o.Channel, text)
	if err := os.WriteFile(filepath.Join(o.Dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write outbox message: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		}
		return '_'
	}, s)
}

// FromConfig builds a dispatcher with a sender per channel: a webhook where
// one is configured, the file outbox otherwise. Configured users get their
// default-channel address registered for the full result mirror.
func FromConfig(cfg config.DispatchConfig, users []config.UserConfig, workspace string) *Dispatcher {
	outboxDir := cfg.OutboxDir
	if !filepath.IsAbs(outboxDir) {
		outboxDir = filepath.Join(workspace, outboxDir)
	}

	senders := make(map[types.Channel]ChannelSender)
	for _, ch := range []types.Channel{types.ChannelEmail, types.ChannelSMS, types.ChannelVoice, types.ChannelWeb} {
		if url, ok := cfg.Webhooks[string(ch)]; ok && url != "" {
			senders[ch] = &WebhookSender{URL: url}
			continue
		}
		senders[ch] = &OutboxSender{Dir: outboxDir, Channel: ch}
	}
	d := NewDispatcher(senders, types.Channel(cfg.DefaultChannel))
	for _, u := range users {
		if u.DefaultAddress != "" {
			d.RegisterOwner(u.ID, types.Channel(u.DefaultChannel), u.DefaultAddress)
		}
	}
	return d
}
