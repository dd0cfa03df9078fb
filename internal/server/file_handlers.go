package server

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/polybox/internal/sandbox"
	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// **** File request/response types ****

// Content fields are []byte and therefore travel base64-encoded.

// ReadRequest is the JSON body for POST /v1/sandboxes/{id}/files/read.
type ReadRequest struct {
	Paths []string `json:"paths"`
	Range string   `json:"range,omitempty"`
}

// ReadItem is one file of a read batch.
type ReadItem struct {
	Path    string             `json:"path"`
	Content []byte             `json:"content,omitempty"`
	Error   *sandboxerr.Record `json:"error,omitempty"`
}

// WriteItem is one file to write.
type WriteItem struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

// WriteRequest is the JSON body for POST /v1/sandboxes/{id}/files/write.
type WriteRequest struct {
	Files []WriteItem `json:"files"`
}

// WriteResultItem is the outcome of one write.
type WriteResultItem struct {
	Path         string             `json:"path"`
	BytesWritten int64              `json:"bytes_written"`
	Error        *sandboxerr.Record `json:"error,omitempty"`
}

// PathsRequest carries a list of paths.
type PathsRequest struct {
	Paths []string `json:"paths"`
}

// PathResult is the outcome of a per-path operation.
type PathResult struct {
	Path    string             `json:"path"`
	Success bool               `json:"success"`
	Error   *sandboxerr.Record `json:"error,omitempty"`
}

// MoveRequest is the JSON body for POST /v1/sandboxes/{id}/files/move.
type MoveRequest struct {
	Moves []sandbox.MoveEntry `json:"moves"`
}

// MoveResultItem is the outcome of one move.
type MoveResultItem struct {
	Source      string             `json:"source"`
	Destination string             `json:"destination"`
	Success     bool               `json:"success"`
	Error       *sandboxerr.Record `json:"error,omitempty"`
}

// ReplaceRequest is the JSON body for POST /v1/sandboxes/{id}/files/replace.
type ReplaceRequest struct {
	Replacements []sandbox.ReplaceEntry `json:"replacements"`
}

// ReplaceResultItem is the outcome of one replacement entry.
type ReplaceResultItem struct {
	Path         string             `json:"path"`
	Replacements int                `json:"replacements"`
	Error        *sandboxerr.Record `json:"error,omitempty"`
}

// InfoItem is one entry of a file info batch.
type InfoItem struct {
	Path  string             `json:"path"`
	Info  *sandbox.FileInfo  `json:"info,omitempty"`
	Error *sandboxerr.Record `json:"error,omitempty"`
}

// ListRequest is the JSON body for POST /v1/sandboxes/{id}/directories/list.
type ListRequest struct {
	Path string `json:"path"`
}

// CreateDirectoriesRequest is the JSON body for POST /v1/sandboxes/{id}/directories/create.
type CreateDirectoriesRequest struct {
	Paths []string `json:"paths"`
	Mode  string   `json:"mode,omitempty"`
}

// DeleteDirectoriesRequest is the JSON body for POST /v1/sandboxes/{id}/directories/delete.
type DeleteDirectoriesRequest struct {
	Paths     []string `json:"paths"`
	Recursive bool     `json:"recursive,omitempty"`
	Force     bool     `json:"force,omitempty"`
}

// PermissionsRequest is the JSON body for POST /v1/sandboxes/{id}/permissions.
type PermissionsRequest struct {
	Entries []sandbox.PermissionEntry `json:"entries"`
}

// SearchRequest is the JSON body for POST /v1/sandboxes/{id}/search.
type SearchRequest struct {
	Pattern string `json:"pattern"`
	Root    string `json:"root,omitempty"`
}

func msDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) fileRoutes() {
	g := s.group
	g.Post("/sandboxes/{id}/files/read", s.handleReadFiles,
		okapi.DocSummary("Read files"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ReadRequest{}),
		okapi.DocResponse([]ReadItem{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/files/write", s.handleWriteFiles,
		okapi.DocSummary("Write files"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(WriteRequest{}),
		okapi.DocResponse([]WriteResultItem{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/files/delete", s.handleDeleteFiles,
		okapi.DocSummary("Delete files"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(PathsRequest{}),
		okapi.DocResponse([]PathResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/files/move", s.handleMoveFiles,
		okapi.DocSummary("Move or rename files"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(MoveRequest{}),
		okapi.DocResponse([]MoveResultItem{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/files/replace", s.handleReplace,
		okapi.DocSummary("Replace text inside files"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ReplaceRequest{}),
		okapi.DocResponse([]ReplaceResultItem{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/files/info", s.handleFileInfo,
		okapi.DocSummary("Describe paths"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(PathsRequest{}),
		okapi.DocResponse([]InfoItem{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/directories/list", s.handleListDirectory,
		okapi.DocSummary("List a directory"),
		okapi.DocTags("Directories"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ListRequest{}),
		okapi.DocResponse([]sandbox.DirectoryEntry{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/directories/create", s.handleCreateDirectories,
		okapi.DocSummary("Create directories"),
		okapi.DocTags("Directories"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(CreateDirectoriesRequest{}),
		okapi.DocResponse([]PathResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/directories/delete", s.handleDeleteDirectories,
		okapi.DocSummary("Delete directories"),
		okapi.DocTags("Directories"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(DeleteDirectoriesRequest{}),
		okapi.DocResponse([]PathResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/permissions", s.handleSetPermissions,
		okapi.DocSummary("Set permissions and ownership"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(PermissionsRequest{}),
		okapi.DocResponse([]PathResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/search", s.handleSearch,
		okapi.DocSummary("Find paths by name"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(SearchRequest{}),
		okapi.DocResponse([]sandbox.SearchResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// bind resolves the sandbox named in the path and decodes the request body.
func (s *Server) bind(c *okapi.Context, req any) (*sandbox.Adapter, error) {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return nil, s.fail(c, err)
	}
	if err := c.Bind(req); err != nil {
		return nil, c.AbortBadRequest("invalid request body")
	}
	return a, nil
}

func (s *Server) handleReadFiles(c *okapi.Context) error {
	var req ReadRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.ReadFiles(c.Context(), req.Paths, sandbox.ReadOptions{Range: req.Range})
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]ReadItem, len(results))
	for i, r := range results {
		out[i] = ReadItem{Path: r.Path, Content: r.Content, Error: itemError(r.Err)}
	}
	return c.OK(out)
}

func (s *Server) handleWriteFiles(c *okapi.Context) error {
	var req WriteRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	entries := make([]sandbox.WriteEntry, len(req.Files))
	for i, f := range req.Files {
		entries[i] = sandbox.WriteEntry{Path: f.Path, Data: f.Content, Mode: f.Mode}
	}
	results, err := a.WriteFiles(c.Context(), entries)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]WriteResultItem, len(results))
	for i, r := range results {
		out[i] = WriteResultItem{Path: r.Path, BytesWritten: r.BytesWritten, Error: itemError(r.Err)}
	}
	return c.OK(out)
}

func (s *Server) handleDeleteFiles(c *okapi.Context) error {
	var req PathsRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.DeleteFiles(c.Context(), req.Paths)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]PathResult, len(results))
	for i, r := range results {
		out[i] = PathResult{Path: r.Path, Success: r.Success, Error: itemError(r.Err)}
	}
	return c.OK(out)
}

func (s *Server) handleMoveFiles(c *okapi.Context) error {
	var req MoveRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.MoveFiles(c.Context(), req.Moves)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]MoveResultItem, len(results))
	for i, r := range results {
		out[i] = MoveResultItem{
			Source:      r.Source,
			Destination: r.Destination,
			Success:     r.Success,
			Error:       itemError(r.Err),
		}
	}
	return c.OK(out)
}

func (s *Server) handleReplace(c *okapi.Context) error {
	var req ReplaceRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.ReplaceContent(c.Context(), req.Replacements)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]ReplaceResultItem, len(results))
	for i, r := range results {
		out[i] = ReplaceResultItem{Path: r.Path, Replacements: r.Replacements, Error: itemError(r.Err)}
	}
	return c.OK(out)
}

func (s *Server) handleFileInfo(c *okapi.Context) error {
	var req PathsRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.GetFileInfo(c.Context(), req.Paths)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]InfoItem, len(results))
	for i, r := range results {
		out[i] = InfoItem{Path: r.Path, Info: r.Info, Error: itemError(r.Err)}
	}
	return c.OK(out)
}

func (s *Server) handleListDirectory(c *okapi.Context) error {
	var req ListRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	entries, err := a.ListDirectory(c.Context(), req.Path)
	if err != nil {
		return s.fail(c, err)
	}
	if entries == nil {
		entries = []sandbox.DirectoryEntry{}
	}
	return c.OK(entries)
}

func (s *Server) handleCreateDirectories(c *okapi.Context) error {
	var req CreateDirectoriesRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.CreateDirectories(c.Context(), req.Paths, sandbox.DirectoryOptions{Mode: req.Mode})
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(directoryResults(results))
}

func (s *Server) handleDeleteDirectories(c *okapi.Context) error {
	var req DeleteDirectoriesRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.DeleteDirectories(c.Context(), req.Paths, sandbox.DeleteDirectoryOptions{
		Recursive: req.Recursive,
		Force:     req.Force,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(directoryResults(results))
}

func directoryResults(results []sandbox.DirectoryResult) []PathResult {
	out := make([]PathResult, len(results))
	for i, r := range results {
		out[i] = PathResult{Path: r.Path, Success: r.Success, Error: itemError(r.Err)}
	}
	return out
}

func (s *Server) handleSetPermissions(c *okapi.Context) error {
	var req PermissionsRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	results, err := a.SetPermissions(c.Context(), req.Entries)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]PathResult, len(results))
	for i, r := range results {
		out[i] = PathResult{Path: r.Path, Success: r.Success, Error: itemError(r.Err)}
	}
	return c.OK(out)
}

func (s *Server) handleSearch(c *okapi.Context) error {
	var req SearchRequest
	a, err := s.bind(c, &req)
	if a == nil {
		return err
	}
	if req.Pattern == "" {
		return c.AbortBadRequest("pattern is required")
	}
	results, err := a.Search(c.Context(), req.Pattern, req.Root)
	if err != nil {
		return s.fail(c, err)
	}
	if results == nil {
		results = []sandbox.SearchResult{}
	}
	return c.OK(results)
}
