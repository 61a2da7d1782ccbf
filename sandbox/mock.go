package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// MockExecutor answers registered command lines with canned results and
// defers to a real Executor for everything else.
type MockExecutor struct {
	*Executor

	mu      sync.RWMutex
	results map[string]CommandResult
}

// NewMockExecutor wraps real
func NewMockExecutor(real *Executor) *MockExecutor {
	return &MockExecutor{
		Executor: real,
		results:  make(map[string]CommandResult),
	}
}

func mockKey(command string, args []string) string {
	return strings.TrimSpace(command + " " + strings.Join(args, " "))
}

// SetResult registers the result for the unquoted line "command args..."
func (m *MockExecutor) SetResult(line string, result CommandResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[strings.TrimSpace(line)] = result
}

type mockFixture struct {
	Command  string `yaml:"command"`
	Success  bool   `yaml:"success"`
	Output   string `yaml:"output"`
	Error    string `yaml:"error"`
	ExitCode *int   `yaml:"exit_code"`
}

// LoadResults registers every fixture in a YAML list read from r
func (m *MockExecutor) LoadResults(r io.Reader) error {
	var fixtures []mockFixture
	if err := yaml.NewDecoder(r).Decode(&fixtures); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to decode mock results: %w", err)
	}

	for i, f := range fixtures {
		if strings.TrimSpace(f.Command) == "" {
			return fmt.Errorf("mock result %d has no command", i)
		}
		m.SetResult(f.Command, CommandResult{
			Success:  f.Success,
			Output:   f.Output,
			Error:    f.Error,
			ExitCode: f.ExitCode,
		})
	}
	return nil
}

// ExecuteSafe returns the registered result for command and args, or runs
// them on the real executor when none is registered.
func (m *MockExecutor) ExecuteSafe(ctx context.Context, command string, args []string, opts ExecOptions) CommandResult {
	key := mockKey(command, args)

	m.mu.RLock()
	result, ok := m.results[key]
	m.mu.RUnlock()

	if !ok {
		return m.Executor.ExecuteSafe(ctx, command, args, opts)
	}

	m.log.Info("[MOCK] " + m.redactor.Redact(key))

	result.Output = m.redactor.Redact(strings.TrimSpace(result.Output))
	if result.Success {
		if result.Output == "" {
			m.log.Info("Command executed successfully")
		} else {
			m.log.Info(result.Output)
		}
		return result
	}

	result.Error = strings.TrimSpace(result.Error)
	if result.Error == "" {
		result.Error = "Command failed"
	}
	result.Error = m.redactor.Redact(result.Error)
	m.log.Error(result.Error)
	return result
}

// ExecuteScript runs the script steps through the mock ExecuteSafe
func (m *MockExecutor) ExecuteScript(ctx context.Context, script string, opts ExecOptions) CommandResult {
	return executeScript(ctx, m.ExecuteSafe, script, opts)
}
