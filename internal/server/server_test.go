package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/polybox/internal/observability"
	"github.com/jkaninda/polybox/internal/ratelimit"
	"github.com/jkaninda/polybox/internal/sandbox"
)

const testKey = "test-key"

// startServer runs a Server on a free local port and returns its base URL.
func startServer(t *testing.T) string {
	t.Helper()
	return startServerWith(t, Config{APIKeys: []string{testKey}})
}

func startServerWith(t *testing.T, cfg Config) string {
	t.Helper()
	return startServerObs(t, cfg, nil)
}

func startServerObs(t *testing.T, cfg Config, obs *observability.Observability) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	reg := newTestRegistry(t, newTestStore(t), nil)
	cfg.ListenAddr = addr
	srv := New(cfg, reg, obs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		cancel()
	})

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return base
}

// call sends body as JSON and decodes the response into out when it is non-nil.
func call(t *testing.T, method, url string, body, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPI_RequiresKey(t *testing.T) {
	base := startServer(t)

	resp, err := http.Get(base + "/v1/sandboxes")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/v1/sandboxes", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_SandboxRoundTrip(t *testing.T) {
	base := startServer(t)

	var created SandboxResponse
	code := call(t, http.MethodPost, base+"/v1/sandboxes", CreateRequest{WaitReady: true}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, sandbox.StateRunning, created.Status.State)
	assert.Equal(t, sandbox.Polyfilled, created.Capabilities[sandbox.CapReadFiles])
	sbx := fmt.Sprintf("%s/v1/sandboxes/%s", base, created.ID)

	var list []SandboxResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, base+"/v1/sandboxes", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	var res sandbox.ExecuteResult
	code = call(t, http.MethodPost, sbx+"/exec", ExecRequest{Command: "echo $GREETING", Env: map[string]string{"GREETING": "hello"}}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Zero(t, res.ExitCode)

	payload := []byte{0x00, 0xff, 'h', 'i', '\n'}
	var written []WriteResultItem
	code = call(t, http.MethodPost, sbx+"/files/write", WriteRequest{Files: []WriteItem{{Path: "data/blob.bin", Content: payload}}}, &written)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, written, 1)
	assert.Nil(t, written[0].Error)
	assert.EqualValues(t, len(payload), written[0].BytesWritten)

	var read []ReadItem
	code = call(t, http.MethodPost, sbx+"/files/read", ReadRequest{Paths: []string{"data/blob.bin", "data/missing"}}, &read)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, read, 2)
	assert.Equal(t, payload, read[0].Content)
	assert.Nil(t, read[0].Error)
	assert.NotNil(t, read[1].Error, "missing file reports a per-item error")

	var entries []sandbox.DirectoryEntry
	code = call(t, http.MethodPost, sbx+"/directories/list", ListRequest{Path: "data"}, &entries)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, entries, 1)
	assert.Equal(t, "blob.bin", entries[0].Name)

	var found []sandbox.SearchResult
	code = call(t, http.MethodPost, sbx+"/search", SearchRequest{Pattern: "*.bin"}, &found)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, found, 1)

	var ping PingResponse
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, sbx+"/ping", nil, &ping))
	assert.True(t, ping.OK)

	var failure ErrorBody
	code = call(t, http.MethodPost, sbx+"/pause", nil, &failure)
	assert.Equal(t, http.StatusNotImplemented, code)
	require.NotNil(t, failure.Error)
	assert.Equal(t, "pause", failure.Error.Feature)

	require.Equal(t, http.StatusOK, call(t, http.MethodDelete, sbx, nil, nil))
	code = call(t, http.MethodGet, sbx, nil, &failure)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_BadRequests(t *testing.T) {
	base := startServer(t)

	var created SandboxResponse
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, base+"/v1/sandboxes", CreateRequest{}, &created))
	sbx := base + "/v1/sandboxes/" + created.ID

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, sbx+"/exec", ExecRequest{}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, sbx+"/search", SearchRequest{}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, base+"/v1/sandboxes/nope/exec", ExecRequest{Command: "true"}, nil))
}

func TestAPI_RateLimit(t *testing.T) {
	base := startServerWith(t, Config{
		APIKeys:   []string{testKey},
		RateLimit: ratelimit.Config{RequestsPerMinute: 1, BurstSize: 2},
	})

	var list []SandboxResponse
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, base+"/v1/sandboxes", nil, &list))
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, base+"/v1/sandboxes", nil, &list))
	assert.Equal(t, http.StatusTooManyRequests, call(t, http.MethodGet, base+"/v1/sandboxes", nil, nil))

	// Health checks are outside the limited group.
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_OpenAccess(t *testing.T) {
	base := startServerWith(t, Config{})

	resp, err := http.Get(base + "/v1/sandboxes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_HealthEndpoints(t *testing.T) {
	obs := &observability.Observability{Health: observability.NewHealthChecker(nil)}
	var failing atomic.Bool
	obs.Health.AddCheck("store", func(context.Context) error {
		if failing.Load() {
			return errors.New("store offline")
		}
		return nil
	})
	base := startServerObs(t, Config{APIKeys: []string{testKey}}, obs)

	get := func(path string) (int, observability.HealthStatus) {
		t.Helper()
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var status observability.HealthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return resp.StatusCode, status
	}

	code, status := get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", status.Checks["store"].Status)

	failing.Store(true)
	code, status = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "store offline", status.Checks["store"].Message)

	code, status = get("/healthz")
	assert.Equal(t, http.StatusOK, code, "liveness ignores dependency checks")
	assert.Equal(t, "ok", status.Status)
}
