package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

func createSandbox(t *testing.T, base string) string {
	t.Helper()
	var created SandboxResponse
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, base+"/v1/sandboxes", CreateRequest{WaitReady: true}, &created))
	return created.ID
}

func dialExecStream(t *testing.T, ctx context.Context, base, id string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/v1/sandboxes/" + id + "/exec/stream"
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{execStreamProtocol},
		HTTPHeader:   header,
	})
}

// readEvents collects stream events until the terminal one.
func readEvents(t *testing.T, ctx context.Context, conn *websocket.Conn) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev StreamEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
		if ev.Type == "complete" || ev.Type == "error" {
			return events
		}
	}
}

func sendExec(t *testing.T, ctx context.Context, conn *websocket.Conn, req ExecRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestExecStream_ForwardsOutput(t *testing.T) {
	base := startServer(t)
	id := createSandbox(t, base)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := dialExecStream(t, ctx, base, id, http.Header{"Authorization": {"Bearer " + testKey}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendExec(t, ctx, conn, ExecRequest{Command: "echo out; echo err >&2"})
	events := readEvents(t, ctx, conn)

	var stdout, stderr strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case "stdout":
			stdout.WriteString(ev.Data)
		case "stderr":
			stderr.WriteString(ev.Data)
		}
	}
	last := events[len(events)-1]
	require.Equal(t, "complete", last.Type)
	require.NotNil(t, last.Result)
	assert.Zero(t, last.Result.ExitCode)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestExecStream_TokenQueryParam(t *testing.T) {
	base := startServer(t)
	id := createSandbox(t, base)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(base, "http") + "/v1/sandboxes/" + id + "/exec/stream?token=" + testKey
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendExec(t, ctx, conn, ExecRequest{Command: "exit 3"})
	events := readEvents(t, ctx, conn)
	last := events[len(events)-1]
	require.Equal(t, "complete", last.Type)
	assert.Equal(t, 3, last.Result.ExitCode)
}

func TestExecStream_Rejections(t *testing.T) {
	base := startServer(t)
	id := createSandbox(t, base)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, resp, err := dialExecStream(t, ctx, base, id, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialExecStream(t, ctx, base, "nope", http.Header{"Authorization": {"Bearer " + testKey}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecStream_EmptyCommand(t *testing.T) {
	base := startServer(t)
	id := createSandbox(t, base)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := dialExecStream(t, ctx, base, id, http.Header{"Authorization": {"Bearer " + testKey}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendExec(t, ctx, conn, ExecRequest{Command: "  "})
	events := readEvents(t, ctx, conn)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, sandboxerr.KindInvalidArgument, events[0].Error.Kind)
}

func TestSandboxIDFromStreamPath(t *testing.T) {
	assert.Equal(t, "abc", sandboxIDFromStreamPath("/v1/sandboxes/abc/exec/stream"))
	assert.Empty(t, sandboxIDFromStreamPath("/v1/sandboxes/a/b/exec/stream"))
	assert.Empty(t, sandboxIDFromStreamPath("/v1/other/abc/exec/stream"))
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func download(t *testing.T, url string) (int, []sseEvent) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var (
		events  []sseEvent
		current sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	if current.name != "" {
		events = append(events, current)
	}
	return resp.StatusCode, events
}

func TestDownload_StreamsChunks(t *testing.T) {
	base := startServer(t)
	id := createSandbox(t, base)
	sbx := base + "/v1/sandboxes/" + id

	payload := []byte(strings.Repeat("polybox\n", 1024))
	var written []WriteResultItem
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, sbx+"/files/write", WriteRequest{Files: []WriteItem{{Path: "big.txt", Content: payload}}}, &written))
	require.Nil(t, written[0].Error)

	code, events := download(t, sbx+"/files/stream?path=big.txt")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, events)

	var got []byte
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, "chunk", ev.name)
		var chunk FileChunk
		require.NoError(t, json.Unmarshal([]byte(ev.data), &chunk))
		assert.EqualValues(t, len(got), chunk.Offset)
		got = append(got, chunk.Data...)
	}
	assert.Equal(t, payload, got)

	done := events[len(events)-1]
	require.Equal(t, "done", done.name)
	var summary DownloadDone
	require.NoError(t, json.Unmarshal([]byte(done.data), &summary))
	assert.EqualValues(t, len(payload), summary.Bytes)
}

func TestDownload_Errors(t *testing.T) {
	base := startServer(t)
	id := createSandbox(t, base)
	sbx := base + "/v1/sandboxes/" + id

	code, _ := download(t, sbx+"/files/stream")
	assert.Equal(t, http.StatusBadRequest, code)

	code, events := download(t, sbx+"/files/stream?path=missing.txt")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].name)

	var body ErrorBody
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &body))
	require.NotNil(t, body.Error)
	assert.NotEmpty(t, body.Error.Message)
}
