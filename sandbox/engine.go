package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle position of a container sandbox
type State string

// Sandbox states. Failed is reachable only from creating.
const (
	StateUninitialized State = "uninitialized"
	StateCreating      State = "creating"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateTerminated    State = "terminated"
	StateFailed        State = "failed"
)

// Fixed container paths
const (
	WorkspaceDir      = "/workspace"
	DefaultProjectDir = "/workspace/project"
)

// EngineConfig holds container engine settings
type EngineConfig struct {
	Image          string
	Network        string
	MemoryLimit    string
	CPULimit       string
	KeepVolume     bool
	ProjectDir     string
	CommandTimeout time.Duration
}

// DefaultEngineConfig returns the engine defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Image:          "coding-agent-sandbox:latest",
		Network:        "coding-agent-network",
		MemoryLimit:    "2g",
		CPULimit:       "2",
		ProjectDir:     DefaultProjectDir,
		CommandTimeout: 5 * time.Minute,
	}
}

// ContainerEngine provisions one container per sandbox, with a named volume
// for the workspace and a shared network.
type ContainerEngine struct {
	logger   *zap.Logger
	config   EngineConfig
	runtime  Runtime
	registry *Registry
	newID    func() string
}

// ContainerEngineOption defines a functional option for ContainerEngine
type ContainerEngineOption func(*ContainerEngine)

// WithRuntime sets the Runtime for ContainerEngine
func WithRuntime(runtime Runtime) ContainerEngineOption {
	return func(e *ContainerEngine) {
		e.runtime = runtime
	}
}

// WithRegistry sets the Registry for ContainerEngine
func WithRegistry(registry *Registry) ContainerEngineOption {
	return func(e *ContainerEngine) {
		e.registry = registry
	}
}

// WithIDGenerator sets the sandbox id generator for ContainerEngine
func WithIDGenerator(newID func() string) ContainerEngineOption {
	return func(e *ContainerEngine) {
		e.newID = newID
	}
}

// NewContainerEngine creates a ContainerEngine with default implementations and optional interfaces
func NewContainerEngine(logger *zap.Logger, config EngineConfig, opts ...ContainerEngineOption) *ContainerEngine {
	defaults := DefaultEngineConfig()
	if config.Image == "" {
		config.Image = defaults.Image
	}
	if config.Network == "" {
		config.Network = defaults.Network
	}
	if config.MemoryLimit == "" {
		config.MemoryLimit = defaults.MemoryLimit
	}
	if config.CPULimit == "" {
		config.CPULimit = defaults.CPULimit
	}
	if config.ProjectDir == "" {
		config.ProjectDir = defaults.ProjectDir
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaults.CommandTimeout
	}

	engine := &ContainerEngine{
		logger:   logger,
		config:   config,
		runtime:  NewCLIRuntime("docker"), // Default implementation
		registry: NewRegistry(),
		newID:    newSandboxID,
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// newSandboxID returns "sandbox-" followed by 16 random hex digits
func newSandboxID() string {
	return "sandbox-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func volumeNameFor(sandboxID string) string {
	return sandboxID + "-data"
}

// Registry returns the engine's registry of active sandboxes
func (e *ContainerEngine) Registry() *Registry {
	return e.registry
}

// Create provisions a sandbox. It either returns a running sandbox or a
// ProvisioningError after removing the volume it created.
func (e *ContainerEngine) Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	sandboxID := e.newID()
	volumeName := volumeNameFor(sandboxID)
	ports := cfg.ports()

	sb := &Sandbox{engine: e, state: StateUninitialized}
	sb.setState(StateCreating)

	log := e.logger.With(zap.String("sandbox_id", sandboxID))
	log.Info("creating sandbox", zap.Ints("ports", ports), zap.String("image", e.config.Image))

	fail := func(step string, err error) (*Sandbox, error) {
		sb.setState(StateFailed)
		if rmErr := e.runtime.RemoveVolume(context.WithoutCancel(ctx), volumeName); rmErr != nil {
			log.Warn("volume rollback failed", RedactedError(&TeardownError{Resource: "volume", Name: volumeName, Err: rmErr}))
		}
		log.Error("sandbox creation failed", zap.String("step", step), RedactedError(err))
		return nil, &ProvisioningError{SandboxID: sandboxID, Step: step, Err: err}
	}

	if err := e.runtime.CreateVolume(ctx, volumeName); err != nil && !isAlreadyExists(err) {
		return fail("create volume", err)
	}

	if err := e.ensureNetwork(ctx); err != nil {
		return fail("ensure network", err)
	}

	spec := RunSpec{
		Name:        sandboxID,
		Image:       e.config.Image,
		Network:     e.config.Network,
		Ports:       ports,
		MemoryLimit: e.config.MemoryLimit,
		CPULimit:    e.config.CPULimit,
		Volume:      volumeName,
		MountPath:   WorkspaceDir,
		Labels: map[string]string{
			LabelSandboxID: sandboxID,
			LabelManagedBy: managedByValue,
		},
		Entrypoint: idleCommand,
	}
	if cfg.Resources.VCPUs > 0 {
		spec.CPULimit = fmt.Sprintf("%d", cfg.Resources.VCPUs)
	}
	if src := cfg.Source; src != nil && src.URL != "" {
		spec.Env = append(spec.Env, "GIT_URL="+src.URL)
		if src.Revision != "" {
			spec.Env = append(spec.Env, "GIT_BRANCH="+src.Revision)
		}
		if src.Depth > 0 {
			spec.Env = append(spec.Env, fmt.Sprintf("GIT_DEPTH=%d", src.Depth))
		}
		spec.Entrypoint = cloneCommand(src, e.config.ProjectDir)
	}

	containerID, err := e.runtime.Run(ctx, spec)
	if err != nil {
		return fail("start container", err)
	}

	sb.record = ContainerRecord{
		SandboxID:   sandboxID,
		ContainerID: containerID,
		Ports:       ports,
		VolumeName:  volumeName,
		ProjectDir:  e.config.ProjectDir,
		NetworkName: e.config.Network,
	}
	e.registry.Put(sb.record)
	sb.setState(StateRunning)

	log.Info("sandbox running", zap.String("container_id", containerID))
	return sb, nil
}

// ensureNetwork creates the shared network unless it exists. A concurrent
// creator winning the race is not an error.
func (e *ContainerEngine) ensureNetwork(ctx context.Context) error {
	exists, err := e.runtime.NetworkExists(ctx, e.config.Network)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := e.runtime.CreateNetwork(ctx, e.config.Network); err != nil && !isAlreadyExists(err) {
		return err
	}
	return nil
}

// Get returns the sandbox for an id, from the registry or else by finding
// its running container and rebuilding the record.
func (e *ContainerEngine) Get(ctx context.Context, sandboxID string) (*Sandbox, error) {
	if rec, ok := e.registry.Get(sandboxID); ok {
		return &Sandbox{engine: e, state: StateRunning, record: rec}, nil
	}

	containerID, err := e.runtime.FindRunning(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sandbox %s: %w", sandboxID, err)
	}
	if containerID == "" {
		return nil, &NotFoundError{SandboxID: sandboxID}
	}

	portsText, err := e.runtime.PortsText(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ports of sandbox %s: %w", sandboxID, err)
	}
	ports := ParsePorts(portsText)
	if len(ports) == 0 {
		ports = []int{DefaultPort}
	}

	rec := ContainerRecord{
		SandboxID:   sandboxID,
		ContainerID: containerID,
		Ports:       ports,
		VolumeName:  volumeNameFor(sandboxID),
		ProjectDir:  e.config.ProjectDir,
		NetworkName: e.config.Network,
	}
	e.registry.Put(rec)

	e.logger.Info("sandbox reattached",
		zap.String("sandbox_id", sandboxID),
		zap.String("container_id", containerID),
		zap.Ints("ports", ports))

	return &Sandbox{engine: e, state: StateRunning, record: rec}, nil
}

// Sandbox is one container-backed sandbox
type Sandbox struct {
	engine *ContainerEngine

	mu     sync.Mutex
	state  State
	record ContainerRecord
}

func (s *Sandbox) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ID returns the sandbox id
func (s *Sandbox) ID() string {
	return s.record.SandboxID
}

// Record returns the sandbox's container record
func (s *Sandbox) Record() ContainerRecord {
	return s.record
}

// State returns the current lifecycle state
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Domain returns the host address of a published port
func (s *Sandbox) Domain(port int) string {
	return fmt.Sprintf("localhost:%d", port)
}

// active reports whether commands may still run. A sandbox stopped through
// another Sandbox value for the same id is inactive too.
func (s *Sandbox) active() bool {
	if s.State() != StateRunning || s.record.ContainerID == "" {
		return false
	}
	_, ok := s.engine.registry.Get(s.record.SandboxID)
	return ok
}

// RunCommand runs cmd through /bin/sh -c inside the container. Output is
// stdout; a nonzero exit yields a failed result carrying stderr. Text is
// returned unredacted.
func (s *Sandbox) RunCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	if !s.active() {
		return CommandResult{Success: false, Error: ErrNotInitialized.Error()}, ErrNotInitialized
	}

	workDir := cmd.Cwd
	if workDir == "" {
		workDir = s.record.ProjectDir
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.engine.config.CommandTimeout
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := s.engine.runtime.Exec(ctxWithTimeout, ExecSpec{
		ContainerID: s.record.ContainerID,
		WorkDir:     workDir,
		Env:         cmd.Env,
		Argv:        []string{"/bin/sh", "-c", cmd.Line()},
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("command timed out after %s", timeout)
		}
		return CommandResult{Success: false, Output: stdout, Error: msg}, nil
	}

	if exitCode != 0 {
		errMsg := stderr
		if strings.TrimSpace(errMsg) == "" {
			errMsg = "Command execution failed"
		}
		return CommandResult{Success: false, Output: stdout, Error: errMsg, ExitCode: intPtr(exitCode)}, nil
	}

	return CommandResult{Success: true, Output: stdout, ExitCode: intPtr(0)}, nil
}

// Stop stops and removes the container, removes the volume unless the
// engine keeps volumes, and unregisters the sandbox. Failures are logged and
// never returned; a failed step can leave orphaned resources behind.
func (s *Sandbox) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	e := s.engine
	rec := s.record
	log := e.logger.With(zap.String("sandbox_id", rec.SandboxID), zap.String("container_id", rec.ContainerID))

	if err := e.runtime.Stop(ctx, rec.ContainerID); err != nil {
		log.Error("teardown failed", RedactedError(&TeardownError{Resource: "container", Name: rec.ContainerID, Err: err}))
	}
	if err := e.runtime.Remove(ctx, rec.ContainerID); err != nil {
		log.Error("teardown failed", RedactedError(&TeardownError{Resource: "container", Name: rec.ContainerID, Err: err}))
	}
	if !e.config.KeepVolume && rec.VolumeName != "" {
		if err := e.runtime.RemoveVolume(ctx, rec.VolumeName); err != nil {
			log.Error("teardown failed", RedactedError(&TeardownError{Resource: "volume", Name: rec.VolumeName, Err: err}))
		}
	}

	e.registry.Delete(rec.SandboxID)
	s.setState(StateTerminated)
	log.Info("sandbox stopped", zap.Bool("volume_kept", e.config.KeepVolume))
}

// StopAll stops every registered sandbox and returns how many there were
func (e *ContainerEngine) StopAll(ctx context.Context) int {
	records := e.registry.List()
	for _, rec := range records {
		sb := &Sandbox{engine: e, state: StateRunning, record: rec}
		sb.Stop(ctx)
	}
	return len(records)
}

// Metrics takes one usage snapshot. Fields that cannot be parsed are logged
// and reported as zero; only a failed stats call fails the snapshot.
func (s *Sandbox) Metrics(ctx context.Context) (ResourceMetrics, error) {
	if !s.active() {
		return ResourceMetrics{}, ErrNotInitialized
	}

	e := s.engine
	rec := s.record
	log := e.logger.With(zap.String("sandbox_id", rec.SandboxID))

	text, err := e.runtime.StatsText(ctx, rec.ContainerID)
	if err != nil {
		return ResourceMetrics{}, fmt.Errorf("failed to get metrics: %w", err)
	}

	metrics, fieldErrs := ParseStats(text)
	for _, fieldErr := range fieldErrs {
		log.Warn("metrics field defaulted to zero", RedactedError(fieldErr))
	}

	if rec.VolumeName != "" {
		stdout, stderr, exitCode, err := e.runtime.Exec(ctx, ExecSpec{
			ContainerID: rec.ContainerID,
			Argv:        []string{"du", "-sm", WorkspaceDir},
		})
		switch {
		case err != nil:
			log.Warn("disk usage unavailable", RedactedError(err))
		case exitCode != 0:
			log.Warn("disk usage unavailable", zap.Int("exit_code", exitCode), zap.String("stderr", Redact(stderr)))
		default:
			disk, parseErr := ParseDiskUsage(stdout)
			if parseErr != nil {
				log.Warn("metrics field defaulted to zero", RedactedError(parseErr))
			}
			metrics.DiskUsage = disk
		}
	}

	return metrics, nil
}
