package server

import (
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/polybox/internal/sandbox"
)

// **** Sandbox request/response types ****

// SandboxResponse describes one sandbox.
type SandboxResponse struct {
	ID           string                  `json:"id"`
	Provider     string                  `json:"provider"`
	Status       sandbox.Status          `json:"status"`
	Info         *sandbox.Info           `json:"info,omitempty"`
	Capabilities sandbox.CapabilityTable `json:"capabilities,omitempty"`
}

func toSandboxResponse(a *sandbox.Adapter) SandboxResponse {
	return SandboxResponse{
		ID:       a.ID(),
		Provider: a.Provider(),
		Status:   a.Status(),
	}
}

// RenewRequest is the JSON body for POST /v1/sandboxes/{id}/renew.
type RenewRequest struct {
	Seconds int `json:"seconds"`
}

// ExecRequest is the JSON body for POST /v1/sandboxes/{id}/exec.
type ExecRequest struct {
	Command          string            `json:"command"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutMS        int64             `json:"timeout_ms,omitempty"`
	Background       bool              `json:"background,omitempty"`
}

func (r ExecRequest) options() sandbox.ExecuteOptions {
	return sandbox.ExecuteOptions{
		WorkingDirectory: r.WorkingDirectory,
		Env:              r.Env,
		Timeout:          msDuration(r.TimeoutMS),
		Background:       r.Background,
	}
}

// InterruptRequest is the JSON body for POST /v1/sandboxes/{id}/interrupt.
type InterruptRequest struct {
	SessionID string `json:"session_id"`
}

// PingResponse is the JSON response for GET /v1/sandboxes/{id}/ping.
type PingResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) sandboxRoutes() {
	g := s.group
	g.Post("/sandboxes", s.handleCreate,
		okapi.DocSummary("Create a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.Get("/sandboxes", s.handleList,
		okapi.DocSummary("List sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.Get("/sandboxes/{id}", s.handleGet,
		okapi.DocSummary("Describe a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.Delete("/sandboxes/{id}", s.handleDelete,
		okapi.DocSummary("Delete a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	for verb, op := range map[string]func(*sandbox.Adapter, *okapi.Context) error{
		"start":  func(a *sandbox.Adapter, c *okapi.Context) error { return a.Start(c.Context()) },
		"stop":   func(a *sandbox.Adapter, c *okapi.Context) error { return a.Stop(c.Context()) },
		"pause":  func(a *sandbox.Adapter, c *okapi.Context) error { return a.Pause(c.Context()) },
		"resume": func(a *sandbox.Adapter, c *okapi.Context) error { return a.Resume(c.Context()) },
	} {
		g.Post("/sandboxes/{id}/"+verb, s.lifecycle(op),
			okapi.DocSummary(verb+" a sandbox"),
			okapi.DocTags("Sandboxes"),
			okapi.DocPathParam("id", "string", "Sandbox ID"),
			okapi.DocResponse(SandboxResponse{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			okapi.DocResponse(http.StatusNotImplemented, ErrorBody{}),
		)
	}
	g.Post("/sandboxes/{id}/renew", s.handleRenew,
		okapi.DocSummary("Extend a sandbox's lifetime"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(RenewRequest{}),
		okapi.DocResponse(SandboxResponse{}),
	)
	g.Post("/sandboxes/{id}/exec", s.handleExec,
		okapi.DocSummary("Run a shell command"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(sandbox.ExecuteResult{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.Post("/sandboxes/{id}/interrupt", s.handleInterrupt,
		okapi.DocSummary("Interrupt a background command"),
		okapi.DocTags("Commands"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(InterruptRequest{}),
		okapi.DocResponse(SandboxResponse{}),
	)
	g.Get("/sandboxes/{id}/ping", s.handlePing,
		okapi.DocSummary("Check whether a sandbox answers"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(PingResponse{}),
	)
	g.Get("/sandboxes/{id}/metrics", s.handleMetrics,
		okapi.DocSummary("Sample sandbox resource usage"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(sandbox.Metrics{}),
	)
}

// **** Handlers ****

func (s *Server) handleCreate(c *okapi.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	a, err := s.registry.Create(c.Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	resp := toSandboxResponse(a)
	resp.Capabilities = a.Capabilities()
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleList(c *okapi.Context) error {
	adapters := s.registry.List()
	resp := make([]SandboxResponse, len(adapters))
	for i, a := range adapters {
		resp[i] = toSandboxResponse(a)
	}
	return c.OK(resp)
}

func (s *Server) handleGet(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	info, err := a.GetInfo(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	resp := toSandboxResponse(a)
	resp.Info = info
	resp.Capabilities = a.Capabilities()
	return c.OK(resp)
}

func (s *Server) handleDelete(c *okapi.Context) error {
	id := c.Param("id")
	a, err := s.registry.Get(id)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.registry.Delete(c.Context(), id); err != nil {
		return s.fail(c, err)
	}
	return c.OK(toSandboxResponse(a))
}

func (s *Server) lifecycle(op func(*sandbox.Adapter, *okapi.Context) error) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		a, err := s.registry.Get(c.Param("id"))
		if err != nil {
			return s.fail(c, err)
		}
		if err := op(a, c); err != nil {
			return s.fail(c, err)
		}
		return c.OK(toSandboxResponse(a))
	}
}

func (s *Server) handleRenew(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	var req RenewRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := a.RenewExpiration(c.Context(), req.Seconds); err != nil {
		return s.fail(c, err)
	}
	return c.OK(toSandboxResponse(a))
}

func (s *Server) handleExec(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}
	res, err := a.Execute(c.Context(), req.Command, req.options())
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(res)
}

func (s *Server) handleInterrupt(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	var req InterruptRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := a.Interrupt(c.Context(), req.SessionID); err != nil {
		return s.fail(c, err)
	}
	return c.OK(toSandboxResponse(a))
}

func (s *Server) handlePing(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(PingResponse{OK: a.Ping(c.Context())})
}

func (s *Server) handleMetrics(c *okapi.Context) error {
	a, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	m, err := a.GetMetrics(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(m)
}
