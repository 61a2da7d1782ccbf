package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Labels put on every container so orphans can be found by inspecting the
// runtime after a restart.
const (
	LabelSandboxID = "ysh.sandbox-id"
	LabelManagedBy = "ysh.managed-by"
	managedByValue = "ysh-helio-ai-agents"
)

// RunSpec describes a detached container to start
type RunSpec struct {
	Name        string
	Image       string
	Network     string
	Ports       []int
	MemoryLimit string
	CPULimit    string
	Volume      string
	MountPath   string
	WorkDir     string
	Env         []string // KEY=VALUE, in order
	Labels      map[string]string
	Entrypoint  string // shell line run by /bin/sh -c
}

// ExecSpec describes a command run inside a running container
type ExecSpec struct {
	ContainerID string
	WorkDir     string
	Env         map[string]string
	Argv        []string
}

// Runtime is the container runtime capability the engine depends on. Each
// method maps onto one invocation of the runtime binary.
type Runtime interface {
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string) error
	Run(ctx context.Context, spec RunSpec) (containerID string, err error)
	Exec(ctx context.Context, spec ExecSpec) (stdout, stderr string, exitCode int, err error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	FindRunning(ctx context.Context, name string) (containerID string, err error)
	PortsText(ctx context.Context, containerID string) (string, error)
	StatsText(ctx context.Context, containerID string) (string, error)
}

// CLIRuntime implements Runtime by invoking the docker (or podman) binary.
// Every argument is passed as its own argv element.
type CLIRuntime struct {
	binary    string
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithRuntimeCommandRunner sets the CommandRunner for CLIRuntime
func WithRuntimeCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(r *CLIRuntime) {
		r.cmdRunner = cmdRunner
	}
}

// NewCLIRuntime creates a CLIRuntime for the given binary ("docker" when empty)
func NewCLIRuntime(binary string, opts ...CLIRuntimeOption) *CLIRuntime {
	if binary == "" {
		binary = "docker"
	}
	r := &CLIRuntime{
		binary:    binary,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// run invokes the binary and turns a nonzero exit into an ExecutionError.
// The argv of run carries clone URLs, so the recorded command line and
// stderr are redacted before the error leaves the runtime.
func (r *CLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{r.binary}, args...)
	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, argv)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", r.binary, args[0], err)
	}
	if exitCode != 0 {
		return "", &ExecutionError{
			Command:  Redact(r.binary + " " + strings.Join(args, " ")),
			ExitCode: exitCode,
			Stderr:   Redact(stderr),
		}
	}
	return stdout, nil
}

func (r *CLIRuntime) CreateVolume(ctx context.Context, name string) error {
	_, err := r.run(ctx, "volume", "create", name)
	return err
}

func (r *CLIRuntime) RemoveVolume(ctx context.Context, name string) error {
	_, err := r.run(ctx, "volume", "rm", name)
	return err
}

// NetworkExists reports whether inspect succeeds for the network. Any
// nonzero exit is read as absence.
func (r *CLIRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := r.run(ctx, "network", "inspect", name)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ExecutionError); ok {
		return false, nil
	}
	return false, err
}

func (r *CLIRuntime) CreateNetwork(ctx context.Context, name string) error {
	_, err := r.run(ctx, "network", "create", name)
	return err
}

func (r *CLIRuntime) Run(ctx context.Context, spec RunSpec) (string, error) {
	out, err := r.run(ctx, runArgs(spec)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s run returned no container id", r.binary)
	}
	return id, nil
}

func runArgs(spec RunSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p, p))
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory="+spec.MemoryLimit)
	}
	if spec.CPULimit != "" {
		args = append(args, "--cpus="+spec.CPULimit)
	}
	if spec.Volume != "" {
		args = append(args, "-v", spec.Volume+":"+spec.MountPath)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image, "/bin/sh", "-c", spec.Entrypoint)
	return args
}

func (r *CLIRuntime) Exec(ctx context.Context, spec ExecSpec) (string, string, int, error) {
	args := []string{r.binary, "exec"}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.ContainerID)
	args = append(args, spec.Argv...)

	return r.cmdRunner.RunCommand(ctx, args)
}

func (r *CLIRuntime) Stop(ctx context.Context, containerID string) error {
	_, err := r.run(ctx, "stop", containerID)
	return err
}

func (r *CLIRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := r.run(ctx, "rm", containerID)
	return err
}

// FindRunning returns the id of the running container named exactly name,
// or "" when there is none.
func (r *CLIRuntime) FindRunning(ctx context.Context, name string) (string, error) {
	out, err := r.run(ctx, "ps", "-q", "-f", "name=^/?"+name+"$")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// PortsText returns the container's exposed ports as "3000/tcp 8080/tcp "
func (r *CLIRuntime) PortsText(ctx context.Context, containerID string) (string, error) {
	return r.run(ctx, "inspect", "--format",
		"{{range $p, $conf := .NetworkSettings.Ports}}{{$p}} {{end}}", containerID)
}

// StatsText returns one "CPU%,MEM usage / limit,NET rx / tx" line
func (r *CLIRuntime) StatsText(ctx context.Context, containerID string) (string, error) {
	return r.run(ctx, "stats", containerID, "--no-stream",
		"--format", "{{.CPUPerc}},{{.MemUsage}},{{.NetIO}}")
}

// ParsePorts extracts tcp port numbers from inspect output such as
// "3000/tcp 5173/tcp 53/udp".
func ParsePorts(text string) []int {
	var ports []int
	for _, tok := range strings.Fields(text) {
		if !strings.Contains(tok, "tcp") {
			continue
		}
		p, err := strconv.Atoi(strings.SplitN(tok, "/", 2)[0])
		if err != nil {
			continue
		}
		ports = append(ports, p)
	}
	return ports
}
