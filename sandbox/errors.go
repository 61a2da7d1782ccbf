package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by NotFoundError
	ErrNotFound = errors.New("sandbox not found")
	// ErrNotInitialized is returned for nil, stopped or shut down sandboxes
	ErrNotInitialized = errors.New("container not initialized")
	// ErrHandleKind is returned when a handle is passed to a provider of another kind
	ErrHandleKind = errors.New("handle belongs to a different provider")
	// ErrUnsupported is returned for operations a variant does not offer
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ConfigurationError reports missing credentials or required fields. It is
// fatal and never retried.
type ConfigurationError struct {
	Fields []string
}

func (e *ConfigurationError) Error() string {
	return "missing required config: " + strings.Join(e.Fields, ", ")
}

// ProvisioningError reports a failed sandbox creation
type ProvisioningError struct {
	SandboxID string
	Step      string
	Err       error
}

// Error renders the cause redacted; runtime implementations other than
// CLIRuntime may put the raw create argv in their errors.
func (e *ProvisioningError) Error() string {
	if e.SandboxID == "" {
		return Redact(fmt.Sprintf("failed to create sandbox: %s: %v", e.Step, e.Err))
	}
	return Redact(fmt.Sprintf("failed to create sandbox %s: %s: %v", e.SandboxID, e.Step, e.Err))
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// NotFoundError reports that no backing resource matches a sandbox id
type NotFoundError struct {
	SandboxID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found", e.SandboxID)
}

// Is makes errors.Is(err, ErrNotFound) hold
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ExecutionError reports a nonzero exit of a runtime or sandbox command
type ExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "command failed"
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, msg)
}

// TeardownError reports a failed cleanup step. It is logged, never returned
// to callers of Shutdown.
type TeardownError struct {
	Resource string
	Name     string
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to remove %s %s: %v", e.Resource, e.Name, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// MetricsFieldError reports one metrics field that could not be parsed. The
// field is reported as zero.
type MetricsFieldError struct {
	Field string
	Input string
}

func (e *MetricsFieldError) Error() string {
	return fmt.Sprintf("cannot parse %s from %q", e.Field, e.Input)
}

func isAlreadyExists(err error) bool {
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		return false
	}
	return strings.Contains(strings.ToLower(execErr.Stderr), "already exists")
}
