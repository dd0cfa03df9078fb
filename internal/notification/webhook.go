package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookSender sends notifications via HTTP POST to a configured URL.
// Unless AllowPrivate is set, requests to private IP ranges are refused.
type WebhookSender struct {
	name         string
	url          string
	allowPrivate bool
	httpClient   *http.Client
}

// NewWebhookSender creates a webhook notification sender.
func NewWebhookSender(name, webhookURL string, allowPrivate bool) *WebhookSender {
	if name == "" {
		name = "webhook"
	}
	return &WebhookSender{
		name:         name,
		url:          webhookURL,
		allowPrivate: allowPrivate,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Redirects could point at internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *WebhookSender) Name() string { return s.name }

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	if s.url == "" {
		return fmt.Errorf("missing url")
	}
	if err := validateWebhookURL(s.url, s.allowPrivate); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"subject":  msg.Subject,
		"body":     msg.Body,
		"metadata": msg.Metadata,
		"channel":  s.name,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Polybox-Webhook/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// validateWebhookURL checks the scheme and, unless allowPrivate is set, that
// the host resolves only to public addresses.
func validateWebhookURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	hostname := u.Hostname()
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
