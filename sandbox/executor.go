package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Executor defaults
const (
	DefaultExecTimeout = 30 * time.Second
	DefaultRetryDelay  = time.Second
)

// TaskLogger receives everything the executor logs. All text it is given
// has already been redacted.
type TaskLogger interface {
	Info(msg string)
	Error(msg string)
	Command(msg string)
}

// NoRetries as ExecOptions.Retries makes a single attempt whatever the
// executor default is.
const NoRetries = -1

// ExecOptions tunes one ExecuteSafe call. Zero values fall back to the
// executor defaults; set Retries to NoRetries to disable retrying.
type ExecOptions struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Cwd        string
	Env        map[string]string
}

// Transport runs one shell-interpretable command line in a sandbox
type Transport interface {
	Exec(ctx context.Context, line string, opts ExecOptions) (CommandResult, error)
}

// HandleTransport runs command lines on the sandbox behind a provider handle
type HandleTransport struct {
	Provider Provider
	Handle   *Handle
}

// Exec sends line as the command of a provider RunCommand
func (t HandleTransport) Exec(ctx context.Context, line string, opts ExecOptions) (CommandResult, error) {
	return t.Provider.RunCommand(ctx, t.Handle, Command{
		Name:    line,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		Timeout: opts.Timeout,
	})
}

// Sleeper waits between retry attempts. It returns early with the context
// error when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor runs logical (command, args) pairs over a string-only transport
// without letting arguments be read as shell syntax, retries failures and
// redacts secrets from everything it logs or returns.
type Executor struct {
	transport Transport
	log       TaskLogger
	redactor  *Redactor
	defaults  ExecOptions
	sleep     Sleeper
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithRedactor sets the Redactor for Executor
func WithRedactor(r *Redactor) ExecutorOption {
	return func(e *Executor) {
		e.redactor = r
	}
}

// WithDefaults sets the options used for zero fields of ExecOptions
func WithDefaults(opts ExecOptions) ExecutorOption {
	return func(e *Executor) {
		e.defaults = opts
	}
}

// WithSleeper sets how Executor waits between attempts
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) {
		e.sleep = s
	}
}

// NewExecutor creates an Executor over transport
func NewExecutor(transport Transport, log TaskLogger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		transport: transport,
		log:       log,
		redactor:  defaultRedactor,
		defaults: ExecOptions{
			Timeout:    DefaultExecTimeout,
			RetryDelay: DefaultRetryDelay,
		},
		sleep: sleepContext,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Executor) merge(opts ExecOptions) ExecOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = e.defaults.Timeout
	}
	if opts.Retries == 0 {
		opts.Retries = e.defaults.Retries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = e.defaults.RetryDelay
	}
	if opts.Cwd == "" {
		opts.Cwd = e.defaults.Cwd
	}
	if opts.Env == nil {
		opts.Env = e.defaults.Env
	}
	return opts
}

// ExecuteSafe runs command with args quoted as literal words. It makes
// Retries+1 attempts at most; a transport error counts as a failed attempt
// just like a nonzero exit. Only the last attempt's result is returned.
func (e *Executor) ExecuteSafe(ctx context.Context, command string, args []string, opts ExecOptions) CommandResult {
	opts = e.merge(opts)
	line := BuildCommandLine(command, args)

	e.log.Command(e.redactor.Redact(line))

	var last CommandResult
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			e.log.Info(fmt.Sprintf("Retry attempt %d/%d", attempt, opts.Retries))
			if err := e.sleep(ctx, opts.RetryDelay); err != nil {
				last.Error = e.redactor.Redact(fmt.Sprintf("%s (retry aborted: %v)", last.Error, err))
				return last
			}
		}

		result, ok := e.attempt(ctx, line, opts)
		if ok {
			return result
		}
		last = result
	}

	return last
}

func (e *Executor) attempt(ctx context.Context, line string, opts ExecOptions) (CommandResult, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	res, err := e.transport.Exec(attemptCtx, line, opts)
	if err != nil {
		msg := e.redactor.Redact(err.Error())
		e.log.Error("Command execution error: " + msg)
		return CommandResult{Success: false, Error: msg}, false
	}

	output := e.redactor.Redact(strings.TrimSpace(res.Output))

	if res.Success {
		if output == "" {
			e.log.Info("Command executed successfully")
		} else {
			e.log.Info(output)
		}
		return CommandResult{Success: true, Output: output, ExitCode: res.ExitCode}, true
	}

	errMsg := strings.TrimSpace(res.Error)
	if errMsg == "" {
		errMsg = "Command failed"
	}
	errMsg = e.redactor.Redact(errMsg)
	e.log.Error(errMsg)

	return CommandResult{Success: false, Output: output, Error: errMsg, ExitCode: res.ExitCode}, false
}

// ExecuteScript writes script to a uniquely named file under /tmp in the
// sandbox, runs it through ExecuteSafe and removes it on every path.
func (e *Executor) ExecuteScript(ctx context.Context, script string, opts ExecOptions) CommandResult {
	return executeScript(ctx, e.ExecuteSafe, script, opts)
}

type safeFunc func(ctx context.Context, command string, args []string, opts ExecOptions) CommandResult

func executeScript(ctx context.Context, run safeFunc, script string, opts ExecOptions) CommandResult {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	path := fmt.Sprintf("/tmp/script_%d_%s.sh", time.Now().UnixMilli(), token[:9])
	delimiter := "SCRIPT_EOF_" + token[9:17]

	// helper steps make one attempt; only the script itself retries
	step := ExecOptions{Retries: NoRetries}

	defer run(context.WithoutCancel(ctx), "rm", []string{"-f", path}, step)

	heredoc := fmt.Sprintf("cat > %s << '%s'\n%s\n%s", QuoteArg(path), delimiter, script, delimiter)
	if res := run(ctx, "sh", []string{"-c", heredoc}, step); !res.Success {
		return res
	}

	if res := run(ctx, "chmod", []string{"+x", path}, step); !res.Success {
		return res
	}

	return run(ctx, path, nil, opts)
}
