package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ManagedConfig holds the managed sandbox service endpoint and the default
// credentials used when a creation request carries none.
type ManagedConfig struct {
	BaseURL   string
	TeamID    string
	ProjectID string
	Token     string
	Runtime   string
	Timeout   time.Duration
}

// interpreters killed on shutdown before the service reclaims the sandbox
var managedShutdownTargets = []string{"node", "python"}

type managedCredentials struct {
	teamID    string
	projectID string
	token     string
}

type managedSession struct {
	creds  managedCredentials
	routes []managedRoute
}

// Wire types of the managed sandbox API

type managedSandbox struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Runtime string `json:"runtime"`
}

type managedRoute struct {
	URL       string `json:"url"`
	Subdomain string `json:"subdomain"`
	Port      int    `json:"port"`
}

type managedSandboxResponse struct {
	Sandbox managedSandbox `json:"sandbox"`
	Routes  []managedRoute `json:"routes"`
}

type managedResources struct {
	VCPUs int `json:"vcpus"`
}

type managedSource struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

type managedCreateRequest struct {
	ProjectID string            `json:"projectId"`
	Runtime   string            `json:"runtime,omitempty"`
	Timeout   int64             `json:"timeout,omitempty"` // milliseconds
	Ports     []int             `json:"ports,omitempty"`
	Resources *managedResources `json:"resources,omitempty"`
	Source    *managedSource    `json:"source,omitempty"`
}

type managedCommandRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type managedCommand struct {
	ID       string `json:"id"`
	ExitCode *int   `json:"exitCode"`
}

type managedCommandResponse struct {
	Command managedCommand `json:"command"`
}

type managedLogLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// apiError is a non-2xx response from the managed API
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("managed sandbox API returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// ManagedProvider adapts a remote managed sandbox service
type ManagedProvider struct {
	logger     *zap.Logger
	config     ManagedConfig
	httpClient *http.Client
	redactor   *Redactor

	mu       sync.Mutex
	sessions map[string]managedSession
}

// ManagedProviderOption defines a functional option for ManagedProvider
type ManagedProviderOption func(*ManagedProvider)

// WithHTTPClient sets the HTTP client for ManagedProvider
func WithHTTPClient(c *http.Client) ManagedProviderOption {
	return func(p *ManagedProvider) {
		p.httpClient = c
	}
}

// NewManagedProvider creates a ManagedProvider
func NewManagedProvider(logger *zap.Logger, config ManagedConfig, opts ...ManagedProviderOption) *ManagedProvider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.vercel.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	p := &ManagedProvider{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		redactor:   NewRedactor(config.Token),
		sessions:   make(map[string]managedSession),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (*ManagedProvider) Kind() Kind {
	return KindManaged
}

// credentials merges per-request values over the configured defaults
func (p *ManagedProvider) credentials(teamID, projectID, token string) (managedCredentials, error) {
	c := managedCredentials{teamID: teamID, projectID: projectID, token: token}
	if c.teamID == "" {
		c.teamID = p.config.TeamID
	}
	if c.projectID == "" {
		c.projectID = p.config.ProjectID
	}
	if c.token == "" {
		c.token = p.config.Token
	}

	var missing []string
	if c.teamID == "" {
		missing = append(missing, "teamId")
	}
	if c.projectID == "" {
		missing = append(missing, "projectId")
	}
	if c.token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return c, &ConfigurationError{Fields: missing}
	}
	return c, nil
}

func (p *ManagedProvider) do(ctx context.Context, creds managedCredentials, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("teamId", creds.teamID)
	endpoint := p.config.BaseURL + path + "?" + query.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &apiError{Status: resp.StatusCode, Body: p.redactor.Redact(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (p *ManagedProvider) handleFor(id string, ports []int, routes []managedRoute) *Handle {
	domain := func(port int) string {
		for _, r := range routes {
			if r.Port == port {
				return r.URL
			}
		}
		return ""
	}
	if len(ports) == 0 {
		for _, r := range routes {
			ports = append(ports, r.Port)
		}
	}
	return newHandle(KindManaged, id, ports, domain)
}

// Create provisions a sandbox on the managed service. Team, project and
// token must be present in cfg or in the provider configuration.
func (p *ManagedProvider) Create(ctx context.Context, cfg Config) (*Handle, error) {
	creds, err := p.credentials(cfg.TeamID, cfg.ProjectID, cfg.Token)
	if err != nil {
		return nil, err
	}

	req := managedCreateRequest{
		ProjectID: creds.projectID,
		Runtime:   cfg.Runtime,
		Ports:     cfg.Ports,
	}
	if req.Runtime == "" {
		req.Runtime = p.config.Runtime
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = p.config.Timeout
	}
	if timeout > 0 {
		req.Timeout = timeout.Milliseconds()
	}
	if cfg.Resources.VCPUs > 0 {
		req.Resources = &managedResources{VCPUs: cfg.Resources.VCPUs}
	}
	if cfg.Source != nil && cfg.Source.URL != "" {
		req.Source = &managedSource{
			Type:     "git",
			URL:      cfg.Source.URL,
			Revision: cfg.Source.Revision,
			Depth:    cfg.Source.Depth,
		}
	}

	var resp managedSandboxResponse
	if err := p.do(ctx, creds, http.MethodPost, "/v1/sandboxes", nil, req, &resp); err != nil {
		p.logger.Error("managed sandbox creation failed", RedactedError(err))
		return nil, &ProvisioningError{Step: "create managed sandbox", Err: err}
	}

	p.mu.Lock()
	p.sessions[resp.Sandbox.ID] = managedSession{creds: creds, routes: resp.Routes}
	p.mu.Unlock()

	p.logger.Info("managed sandbox created", zap.String("sandbox_id", resp.Sandbox.ID), zap.String("status", resp.Sandbox.Status))
	return p.handleFor(resp.Sandbox.ID, cfg.ports(), resp.Routes), nil
}

// Get attaches to an existing sandbox using the configured credentials
func (p *ManagedProvider) Get(ctx context.Context, sandboxID string) (*Handle, error) {
	creds, err := p.credentials("", "", "")
	if err != nil {
		return nil, err
	}

	var resp managedSandboxResponse
	err = p.do(ctx, creds, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(sandboxID), nil, nil, &resp)
	if apiErr, ok := err.(*apiError); ok && apiErr.Status == http.StatusNotFound {
		return nil, &NotFoundError{SandboxID: sandboxID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox %s: %w", sandboxID, err)
	}

	p.mu.Lock()
	p.sessions[sandboxID] = managedSession{creds: creds, routes: resp.Routes}
	p.mu.Unlock()

	return p.handleFor(sandboxID, nil, resp.Routes), nil
}

func (p *ManagedProvider) session(h *Handle) (managedSession, error) {
	if err := checkHandle(h, KindManaged); err != nil {
		return managedSession{}, err
	}
	p.mu.Lock()
	s, ok := p.sessions[h.ID]
	p.mu.Unlock()
	if !ok {
		return managedSession{}, ErrNotInitialized
	}
	return s, nil
}

// RunCommand runs the command line through sh -c on the remote sandbox and
// waits for it to finish.
func (p *ManagedProvider) RunCommand(ctx context.Context, h *Handle, cmd Command) (CommandResult, error) {
	s, err := p.session(h)
	if err != nil {
		return CommandResult{Success: false, Error: err.Error()}, err
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	result, err := p.runCommand(ctx, s.creds, h.ID, cmd)
	if err != nil {
		return CommandResult{Success: false, Error: p.redactor.Redact(err.Error())}, nil
	}
	return result, nil
}

func (p *ManagedProvider) runCommand(ctx context.Context, creds managedCredentials, sandboxID string, cmd Command) (CommandResult, error) {
	base := "/v1/sandboxes/" + url.PathEscape(sandboxID) + "/cmd"

	var started managedCommandResponse
	err := p.do(ctx, creds, http.MethodPost, base, nil, managedCommandRequest{
		Command: "sh",
		Args:    []string{"-c", cmd.Line()},
		Cwd:     cmd.Cwd,
		Env:     cmd.Env,
	}, &started)
	if err != nil {
		return CommandResult{}, err
	}

	cmdPath := base + "/" + url.PathEscape(started.Command.ID)

	var finished managedCommandResponse
	if err := p.do(ctx, creds, http.MethodGet, cmdPath, url.Values{"wait": {"true"}}, nil, &finished); err != nil {
		return CommandResult{}, err
	}

	var logs bytes.Buffer
	if err := p.do(ctx, creds, http.MethodGet, cmdPath+"/logs", nil, nil, &logs); err != nil {
		return CommandResult{}, err
	}
	stdout, stderr := splitManagedLogs(&logs)

	exitCode := 0
	if finished.Command.ExitCode != nil {
		exitCode = *finished.Command.ExitCode
	}
	if exitCode != 0 {
		if strings.TrimSpace(stderr) == "" {
			stderr = "Command failed"
		}
		return CommandResult{Success: false, Output: stdout, Error: stderr, ExitCode: intPtr(exitCode)}, nil
	}
	return CommandResult{Success: true, Output: stdout, ExitCode: intPtr(0)}, nil
}

// splitManagedLogs separates the newline-delimited JSON log stream into
// stdout and stderr. Lines that are not JSON are skipped.
func splitManagedLogs(r io.Reader) (stdout, stderr string) {
	var out, errOut strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line managedLogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		switch line.Stream {
		case "stdout":
			out.WriteString(line.Data)
		case "stderr":
			errOut.WriteString(line.Data)
		}
	}
	return out.String(), errOut.String()
}

// Metrics is not offered by the managed service
func (p *ManagedProvider) Metrics(_ context.Context, h *Handle) (ResourceMetrics, error) {
	if _, err := p.session(h); err != nil {
		return ResourceMetrics{}, err
	}
	return ResourceMetrics{}, ErrUnsupported
}

// Shutdown kills common long-running interpreters and asks the service to
// stop the sandbox. The service reclaims idle sandboxes on its own, so
// failures here are logged only.
func (p *ManagedProvider) Shutdown(ctx context.Context, h *Handle) error {
	s, err := p.session(h)
	if err != nil {
		return err
	}
	log := p.logger.With(zap.String("sandbox_id", h.ID))

	for _, target := range managedShutdownTargets {
		if _, err := p.runCommand(ctx, s.creds, h.ID, Command{Name: "pkill", Args: []string{"-f", target}}); err != nil {
			log.Warn("failed to stop processes", zap.String("target", target), RedactedError(err))
		}
	}

	stopPath := "/v1/sandboxes/" + url.PathEscape(h.ID) + "/stop"
	if err := p.do(ctx, s.creds, http.MethodPost, stopPath, nil, nil, nil); err != nil {
		log.Warn("teardown failed", RedactedError(&TeardownError{Resource: "managed sandbox", Name: h.ID, Err: err}))
	}

	p.mu.Lock()
	delete(p.sessions, h.ID)
	p.mu.Unlock()
	h.close()

	log.Info("managed sandbox shut down")
	return nil
}
