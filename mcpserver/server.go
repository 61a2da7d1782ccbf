package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/own-boldsbrain/ysh-helio-ai-agents/config"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/logger"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	provider  sandbox.Provider
	mcpServer *server.MCPServer

	mu      sync.Mutex
	handles map[string]*sandbox.Handle
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, provider sandbox.Provider) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		provider: provider,
		handles:  make(map[string]*sandbox.Handle),
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.provider", string(provider.Kind())),
		zap.String("sandbox.docker.binary", s.config.Sandbox.Docker.Binary),
		zap.String("sandbox.docker.image", s.config.Sandbox.Docker.Image),
		zap.String("sandbox.docker.network", s.config.Sandbox.Docker.Network),
		zap.Bool("sandbox.docker.keep_volume", s.config.Sandbox.Docker.KeepVolume),
		zap.String("sandbox.managed.base_url", s.config.Sandbox.Managed.BaseURL),
		zap.Int("executor.timeout_sec", s.config.Executor.TimeoutSec),
		zap.Int("executor.retries", s.config.Executor.Retries),
	)

	s.mcpServer = server.NewMCPServer("ysh-sandbox", "Isolated sandboxes for coding agents")

	s.registerTools()

	return s, nil
}

func sandboxIDProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Sandbox id returned by sandbox_create",
	}
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_create",
		Description: "Create an isolated sandbox, optionally cloning a git repository into it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"port": map[string]any{
					"type":        "number",
					"description": "Port to expose (default 3000)",
				},
				"repo_url": map[string]any{
					"type":        "string",
					"description": "Git repository cloned into the project directory",
				},
				"revision": map[string]any{
					"type":        "string",
					"description": "Branch to clone (default main)",
				},
				"vcpus": map[string]any{
					"type":        "number",
					"description": "Requested virtual CPUs",
				},
			},
		},
	}, s.handleCreate)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_run",
		Description: "Run a command in a sandbox. Arguments are passed literally and are never interpreted by the shell",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDProperty(),
				"command": map[string]any{
					"type":        "string",
					"description": "Command to run; interpreted by the sandbox shell",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Literal arguments",
				},
				"cwd": map[string]any{
					"type":        "string",
					"description": "Working directory inside the sandbox",
				},
				"task_id": map[string]any{
					"type":        "string",
					"description": "Task id attached to log lines",
				},
			},
			Required: []string{"sandbox_id", "command"},
		},
	}, s.handleRun)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_script",
		Description: "Write a shell script into a sandbox, run it and remove it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDProperty(),
				"script": map[string]any{
					"type":        "string",
					"description": "Script body",
				},
				"task_id": map[string]any{
					"type":        "string",
					"description": "Task id attached to log lines",
				},
			},
			Required: []string{"sandbox_id", "script"},
		},
	}, s.handleScript)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_metrics",
		Description: "Take a resource usage snapshot of a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"sandbox_id": sandboxIDProperty()},
			Required:   []string{"sandbox_id"},
		},
	}, s.handleMetrics)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_stop",
		Description: "Stop a sandbox and release its resources",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"sandbox_id": sandboxIDProperty()},
			Required:   []string{"sandbox_id"},
		},
	}, s.handleStop)
}

// handle returns the tracked handle for id, reattaching through the
// provider when this server has not seen the sandbox before.
func (s *MCPServer) handle(ctx context.Context, id string) (*sandbox.Handle, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := s.provider.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
	return h, nil
}

func (s *MCPServer) executor(h *sandbox.Handle, taskID string) *sandbox.Executor {
	return sandbox.NewExecutor(
		sandbox.HandleTransport{Provider: s.provider, Handle: h},
		logger.NewTaskLogger(s.logger.With(zap.String("sandbox_id", h.ID)), taskID),
		sandbox.WithDefaults(sandbox.DefaultExecOptions(s.config)),
	)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(format string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, sandbox.Redact(err.Error())))
}

type createResult struct {
	SandboxID string `json:"sandbox_id"`
	Kind      string `json:"kind"`
	Ports     []int  `json:"ports"`
	Domain    string `json:"domain"`
}

func (s *MCPServer) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := sandbox.Config{}
	if port := request.GetInt("port", 0); port > 0 {
		cfg.Ports = []int{port}
	}
	if vcpus := request.GetInt("vcpus", 0); vcpus > 0 {
		cfg.Resources.VCPUs = vcpus
	}
	if repo := request.GetString("repo_url", ""); repo != "" {
		cfg.Source = &sandbox.Source{URL: repo, Revision: request.GetString("revision", "")}
	}

	s.logger.Info("sandbox creation requested", zap.Bool("has_source", cfg.Source != nil))

	h, err := s.provider.Create(ctx, cfg)
	if err != nil {
		s.logger.Error("sandbox creation failed", sandbox.RedactedError(err))
		return errorResult("Sandbox creation failed: %s", err), nil
	}

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	return jsonResult(createResult{
		SandboxID: h.ID,
		Kind:      string(h.Kind),
		Ports:     h.Ports,
		Domain:    h.DefaultDomain(),
	})
}

func (s *MCPServer) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	h, err := s.handle(ctx, id)
	if err != nil {
		return errorResult("Sandbox unavailable: %s", err), nil
	}

	result := s.executor(h, request.GetString("task_id", "")).ExecuteSafe(ctx, command,
		request.GetStringSlice("args", nil),
		sandbox.ExecOptions{Cwd: request.GetString("cwd", "")})

	return jsonResult(result)
}

func (s *MCPServer) handleScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}
	script, err := request.RequireString("script")
	if err != nil {
		return nil, fmt.Errorf("script parameter is required: %w", err)
	}

	h, err := s.handle(ctx, id)
	if err != nil {
		return errorResult("Sandbox unavailable: %s", err), nil
	}

	result := s.executor(h, request.GetString("task_id", "")).ExecuteScript(ctx, script, sandbox.ExecOptions{})
	return jsonResult(result)
}

func (s *MCPServer) handleMetrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}

	h, err := s.handle(ctx, id)
	if err != nil {
		return errorResult("Sandbox unavailable: %s", err), nil
	}

	metrics, err := s.provider.Metrics(ctx, h)
	if err != nil {
		return errorResult("Metrics unavailable: %s", err), nil
	}
	return jsonResult(metrics)
}

func (s *MCPServer) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, fmt.Errorf("sandbox_id parameter is required: %w", err)
	}

	h, err := s.handle(ctx, id)
	if err != nil {
		return errorResult("Sandbox unavailable: %s", err), nil
	}

	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()

	if err := s.provider.Shutdown(ctx, h); err != nil {
		return errorResult("Shutdown failed: %s", err), nil
	}
	return jsonResult(map[string]string{"sandbox_id": id, "status": "stopped"})
}

// Shutdown stops every sandbox this server still tracks, then closes the
// provider when it holds sandboxes of its own.
func (s *MCPServer) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*sandbox.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*sandbox.Handle)
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.provider.Shutdown(ctx, h); err != nil {
			s.logger.Warn("sandbox shutdown failed", zap.String("sandbox_id", h.ID), sandbox.RedactedError(err))
		}
	}

	if c, ok := s.provider.(sandbox.Closer); ok {
		if err := c.Close(ctx); err != nil {
			s.logger.Warn("provider close failed", sandbox.RedactedError(err))
		}
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}
