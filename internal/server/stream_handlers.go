package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// execStreamProtocol is the websocket subprotocol of the exec stream.
const execStreamProtocol = "polybox-exec-v1"

// execRequestTimeout bounds the wait for the client's ExecRequest.
const execRequestTimeout = 10 * time.Second

// StreamEvent is one message of an exec stream. Type is "stdout", "stderr",
// "complete" or "error".
type StreamEvent struct {
	Type   string                 `json:"type"`
	Data   string                 `json:"data,omitempty"`
	Result *sandbox.ExecuteResult `json:"result,omitempty"`
	Error  *sandboxerr.Record     `json:"error,omitempty"`
}

// FileChunk is one "chunk" event of a file download.
type FileChunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// DownloadDone is the "done" event of a file download.
type DownloadDone struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

func (s *Server) streamRoutes() {
	s.okapi.HandleStd("GET", "/v1/sandboxes/{id}/exec/stream", s.handleExecStream)
	s.group.Get("/sandboxes/{id}/files/stream", s.handleDownload,
		okapi.DocSummary("Download a file as a stream of chunk events"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(FileChunk{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// sandboxIDFromStreamPath extracts {id} from /v1/sandboxes/{id}/exec/stream.
func sandboxIDFromStreamPath(path string) string {
	id, ok := strings.CutPrefix(path, "/v1/sandboxes/")
	if !ok {
		return ""
	}
	id, ok = strings.CutSuffix(id, "/exec/stream")
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// handleExecStream upgrades to a websocket, reads one ExecRequest and
// forwards the command's output as StreamEvents until it completes.
// Browsers cannot set headers on a websocket upgrade, so the key may also
// arrive as the token query parameter.
func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	authorization := r.Header.Get("Authorization")
	if token := r.URL.Query().Get("token"); authorization == "" && token != "" {
		authorization = "Bearer " + token
	}
	if code, msg := s.admit(r, authorization); code != 0 {
		http.Error(w, msg, code)
		return
	}

	a, err := s.registry.Get(sandboxIDFromStreamPath(r.URL.Path))
	if err != nil {
		writeJSONError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{execStreamProtocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()
	req, err := readExecRequest(ctx, conn)
	if err != nil {
		s.logger.Warn("invalid exec stream request",
			slog.String("sandbox_id", a.ID()),
			slog.String("error", err.Error()),
		)
		_ = writeEvent(ctx, conn, StreamEvent{Type: "error", Error: sandboxerr.RecordOf(sandboxerr.InvalidArgument("%s", err.Error()))})
		return
	}

	s.runExecStream(ctx, conn, a, req)
}

func readExecRequest(ctx context.Context, conn *websocket.Conn) (ExecRequest, error) {
	readCtx, cancel := context.WithTimeout(ctx, execRequestTimeout)
	defer cancel()

	var req ExecRequest
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return req, errors.New("command is required")
	}
	return req, nil
}

// runExecStream executes req and writes one event per callback. Exactly one
// terminal event ("complete" or "error") is written.
func (s *Server) runExecStream(ctx context.Context, conn *websocket.Conn, a *sandbox.Adapter, req ExecRequest) {
	var (
		mu       sync.Mutex
		finished bool
	)
	send := func(ev StreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		if ev.Type == "complete" || ev.Type == "error" {
			finished = true
		}
		if err := writeEvent(ctx, conn, ev); err != nil {
			s.logger.Debug("exec stream write failed",
				slog.String("sandbox_id", a.ID()),
				slog.String("error", err.Error()),
			)
		}
	}

	opts := req.options()
	opts.Background = false
	res, err := a.ExecuteStream(ctx, req.Command, sandbox.StreamHandlers{
		OnStdout:   func(chunk string) { send(StreamEvent{Type: "stdout", Data: chunk}) },
		OnStderr:   func(chunk string) { send(StreamEvent{Type: "stderr", Data: chunk}) },
		OnComplete: func(res *sandbox.ExecuteResult) { send(StreamEvent{Type: "complete", Result: res}) },
		OnError:    func(err error) { send(StreamEvent{Type: "error", Error: sandboxerr.RecordOf(err)}) },
	}, opts)
	if err != nil {
		send(StreamEvent{Type: "error", Error: errorRecord(err)})
		return
	}
	send(StreamEvent{Type: "complete", Result: res})
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: errorRecord(err)})
}

// handleDownload streams a file as server-sent "chunk" events followed by
// "done", or "error" when a chunk cannot be read.
func (s *Server) handleDownload(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	path := c.Request().URL.Query().Get("path")
	if path == "" {
		return c.AbortBadRequest("path is required")
	}
	stream, err := a.ReadStream(c.Context(), path)
	if err != nil {
		return s.fail(c, err)
	}

	var offset int64
	for {
		chunk, err := stream.Next(c.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.SSEvent("error", ErrorBody{Error: sandboxerr.RecordOf(err)})
			return nil
		}
		c.SSEvent("chunk", FileChunk{Offset: offset, Data: chunk})
		offset += int64(len(chunk))
	}
	c.SSEvent("done", DownloadDone{Path: path, Bytes: offset})
	return nil
}
