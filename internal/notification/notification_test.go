package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name string
	err  error
	got  []*Message
}

func (f *fakeSender) Name() string { return f.name }
func (f *fakeSender) Type() string { return "fake" }
func (f *fakeSender) Send(_ context.Context, msg *Message) error {
	f.got = append(f.got, msg)
	return f.err
}

func TestDispatcher_NotifyAll(t *testing.T) {
	d := NewDispatcher(nil)
	broken := &fakeSender{name: "broken", err: errors.New("boom")}
	ok := &fakeSender{name: "ok"}
	d.RegisterSender(broken)
	d.RegisterSender(ok)
	assert.Equal(t, 2, d.Len())

	err := d.Notify(context.Background(), &Message{Subject: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `fake channel "broken": boom`)
	assert.Len(t, ok.got, 1, "a failing channel must not block the rest")
}

func TestWebhookSender_Send(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender("ops", srv.URL, true)
	err := s.Send(context.Background(), &Message{
		Subject:  "sandbox failed",
		Body:     "sbx-1 stopped answering",
		Metadata: map[string]string{"sandbox_id": "sbx-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sandbox failed", payload["subject"])
	assert.Equal(t, "ops", payload["channel"])
	assert.Equal(t, map[string]any{"sandbox_id": "sbx-1"}, payload["metadata"])
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender("", srv.URL, true).Send(context.Background(), &Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned 502")
}

func TestWebhookSender_RejectsLoopback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	err := NewWebhookSender("", srv.URL, false).Send(context.Background(), &Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL rejected")
	assert.False(t, called)
}

func TestValidateWebhookURL_Scheme(t *testing.T) {
	err := validateWebhookURL("ftp://example.com/hook", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestSlackSender_Send(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewSlackSender("", "xoxb-test", "C123")
	s.apiURL = srv.URL
	require.NoError(t, s.Send(context.Background(), &Message{Subject: "down", Body: "sbx-1"}))
	assert.Equal(t, "C123", payload["channel"])
	assert.Equal(t, "*down*\nsbx-1", payload["text"])
	assert.Equal(t, "slack", s.Name())
}

func TestSlackSender_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlackSender("alerts", "xoxb-test", "C404")
	s.apiURL = srv.URL
	err := s.Send(context.Background(), &Message{Body: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestSlackSender_MissingChannel(t *testing.T) {
	err := NewSlackSender("", "xoxb-test", "").Send(context.Background(), &Message{})
	require.Error(t, err)
}
