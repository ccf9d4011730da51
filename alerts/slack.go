package alerts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ooo-mirror/syncerr"
)

const defaultSlackTimeout = 10 * time.Second

// Slack posts plain-text messages to an incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack wraps webhookURL. A nil client gets a default with a 10s timeout.
func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{Timeout: defaultSlackTimeout}
	}
	return &Slack{client: client, webhookURL: webhookURL}
}

type slackMessage struct {
	Text string `json:"text"`
}

func (s *Slack) Post(ctx context.Context, text string) error {
	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	return syncerr.FromHTTPStatus("slack post", "", resp.StatusCode,
		fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
}
