// Package sandbox provides isolated execution environments for untrusted,
// agent-generated commands.
//
// The sandbox package defines the Provider interface implemented by the
// managed service, container engine and stub variants, together with the
// safe command executor that every caller uses to run commands through them.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// Kind names a provider variant. The set is closed.
type Kind string

// Provider kinds
const (
	KindManaged         Kind = "managed"
	KindContainerEngine Kind = "container-engine"
	KindStub            Kind = "stub"
)

// DefaultPort is used when a config lists no ports
const DefaultPort = 3000

// ParseKind maps a configuration value to a provider kind. An empty value
// selects the stub. "docker" and "vercel" are accepted as legacy aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindStub):
		return KindStub, nil
	case string(KindContainerEngine), "docker":
		return KindContainerEngine, nil
	case string(KindManaged), "vercel":
		return KindManaged, nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", s)
	}
}

// Source describes a git repository cloned into the workspace at creation
type Source struct {
	URL      string
	Revision string
	Depth    int
}

// Resources holds requested compute resources
type Resources struct {
	VCPUs int
}

// Config is the provider-agnostic sandbox creation request. Variants ignore
// the fields they have no use for.
type Config struct {
	TeamID    string
	ProjectID string
	Token     string
	Timeout   time.Duration
	Ports     []int
	Runtime   string
	Resources Resources
	Source    *Source
}

func (c Config) ports() []int {
	if len(c.Ports) == 0 {
		return []int{DefaultPort}
	}
	return append([]int(nil), c.Ports...)
}

// Closer is implemented by providers that hold sandboxes beyond the
// handles given out, so they can be released when the process exits.
type Closer interface {
	Close(ctx context.Context) error
}

// Handle is the opaque reference a caller holds to one sandbox. It is valid
// between a successful Create or Get and Shutdown.
type Handle struct {
	ID    string
	Kind  Kind
	Ports []int

	domain func(port int) string
	closed atomic.Bool
}

func newHandle(kind Kind, id string, ports []int, domain func(port int) string) *Handle {
	return &Handle{ID: id, Kind: kind, Ports: append([]int(nil), ports...), domain: domain}
}

// Domain resolves the address serving the given sandbox port
func (h *Handle) Domain(port int) string {
	if h.domain == nil {
		return ""
	}
	return h.domain(port)
}

// DefaultDomain resolves the address of the first configured port
func (h *Handle) DefaultDomain() string {
	if len(h.Ports) == 0 {
		return h.Domain(DefaultPort)
	}
	return h.Domain(h.Ports[0])
}

// Closed reports whether the handle has been shut down
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

func (h *Handle) close() {
	h.closed.Store(true)
}

// checkHandle rejects nil, closed and foreign handles
func checkHandle(h *Handle, kind Kind) error {
	if h == nil || h.Closed() {
		return ErrNotInitialized
	}
	if h.Kind != kind {
		return fmt.Errorf("%w: got %s, want %s", ErrHandleKind, h.Kind, kind)
	}
	return nil
}

// Command is one logical command for a sandbox. Name and Args are joined
// with single spaces and interpreted by the sandbox shell; callers that need
// literal arguments go through Executor, which quotes them.
type Command struct {
	Name    string
	Args    []string
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// Line returns the shell line the command stands for
func (c Command) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// CommandResult is the uniform outcome of a command
type CommandResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func intPtr(n int) *int {
	return &n
}

// ResourceMetrics is one point-in-time usage snapshot
type ResourceMetrics struct {
	CPU         float64 `json:"cpu"`          // percent
	Memory      float64 `json:"memory"`       // MB
	MemoryLimit float64 `json:"memory_limit"` // MB
	DiskUsage   float64 `json:"disk_usage"`   // MB
	NetworkRx   float64 `json:"network_rx"`   // bytes
	NetworkTx   float64 `json:"network_tx"`   // bytes
}

// Provider is the capability contract shared by every sandbox variant.
// Callers depend on it, never on a concrete variant.
type Provider interface {
	Kind() Kind
	Create(ctx context.Context, cfg Config) (*Handle, error)
	Get(ctx context.Context, sandboxID string) (*Handle, error)
	RunCommand(ctx context.Context, h *Handle, cmd Command) (CommandResult, error)
	Metrics(ctx context.Context, h *Handle) (ResourceMetrics, error)
	Shutdown(ctx context.Context, h *Handle) error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. The arguments are
// passed as an argv vector; no host shell is involved.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is built by CLIRuntime only

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			exitCode = exitError.ExitCode()
		} else {
			if ctx.Err() != nil {
				err = fmt.Errorf("%s: %w", args[0], ctx.Err())
			}
			return stdoutBuf.String(), stderrBuf.String(), -1, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
