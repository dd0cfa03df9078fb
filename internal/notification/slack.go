package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts notifications to a Slack channel through the Web API.
type SlackSender struct {
	name       string
	botToken   string
	channelID  string
	apiURL     string
	httpClient *http.Client
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(name, botToken, channelID string) *SlackSender {
	if name == "" {
		name = "slack"
	}
	return &SlackSender{
		name:       name,
		botToken:   botToken,
		channelID:  channelID,
		apiURL:     slackPostMessageURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SlackSender) Name() string { return s.name }

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	if s.channelID == "" {
		return fmt.Errorf("missing channel_id")
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}
	body, err := json.Marshal(map[string]any{
		"channel": s.channelID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack answers 200 on errors too; the "ok" field carries the outcome.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}
