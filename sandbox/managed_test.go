package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testManagedToken = "managed-test-token-123"

// fakeManagedAPI serves the subset of the managed sandbox API the provider
// uses. Command outcomes are keyed by the sh -c line.
type fakeManagedAPI struct {
	t *testing.T

	mu           sync.Mutex
	creates      []managedCreateRequest
	commands     []string
	stopped      []string
	outcomes     map[string]fakeOutcome
	createStatus int
	stopStatus   int
}

type fakeOutcome struct {
	exitCode int
	stdout   string
	stderr   string
}

func newFakeManagedAPI(t *testing.T) (*fakeManagedAPI, *httptest.Server) {
	api := &fakeManagedAPI{t: t, outcomes: make(map[string]fakeOutcome)}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeManagedAPI) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testManagedToken {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, `{"error":"bad token %s"}`, r.Header.Get("Authorization"))
		return
	}
	if r.URL.Query().Get("teamId") != "team_1" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/v1/sandboxes":
		if a.createStatus != 0 {
			w.WriteHeader(a.createStatus)
			fmt.Fprintf(w, `{"error":"quota exceeded for token %s"}`, testManagedToken)
			return
		}
		var req managedCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.creates = append(a.creates, req)
		writeJSON(w, managedSandboxResponse{
			Sandbox: managedSandbox{ID: "sbx_1", Status: "running"},
			Routes:  []managedRoute{{URL: "https://sbx-1-3000.example.dev", Port: 3000}},
		})

	case r.Method == http.MethodGet && path == "/v1/sandboxes/sbx_1":
		writeJSON(w, managedSandboxResponse{
			Sandbox: managedSandbox{ID: "sbx_1", Status: "running"},
			Routes:  []managedRoute{{URL: "https://sbx-1-3000.example.dev", Port: 3000}},
		})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/sandboxes/") && !strings.Contains(path, "/cmd"):
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodPost && path == "/v1/sandboxes/sbx_1/cmd":
		var req managedCommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command != "sh" || len(req.Args) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.commands = append(a.commands, req.Args[1])
		writeJSON(w, managedCommandResponse{Command: managedCommand{ID: fmt.Sprintf("cmd_%d", len(a.commands))}})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/logs"):
		o := a.outcomeFor(path)
		if o.stdout != "" {
			writeNDJSON(w, managedLogLine{Stream: "stdout", Data: o.stdout})
		}
		fmt.Fprintln(w, "not json")
		if o.stderr != "" {
			writeNDJSON(w, managedLogLine{Stream: "stderr", Data: o.stderr})
		}

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/sandboxes/sbx_1/cmd/"):
		assert.Equal(a.t, "true", r.URL.Query().Get("wait"))
		o := a.outcomeFor(path)
		code := o.exitCode
		writeJSON(w, managedCommandResponse{Command: managedCommand{ID: "x", ExitCode: &code}})

	case r.Method == http.MethodPost && path == "/v1/sandboxes/sbx_1/stop":
		a.stopped = append(a.stopped, "sbx_1")
		if a.stopStatus != 0 {
			w.WriteHeader(a.stopStatus)
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// outcomeFor resolves /v1/sandboxes/sbx_1/cmd/cmd_N[/logs] to the outcome
// registered for the N-th command line.
func (a *fakeManagedAPI) outcomeFor(path string) fakeOutcome {
	rest := strings.TrimPrefix(path, "/v1/sandboxes/sbx_1/cmd/cmd_")
	rest = strings.TrimSuffix(rest, "/logs")
	var n int
	_, _ = fmt.Sscanf(rest, "%d", &n)
	if n < 1 || n > len(a.commands) {
		return fakeOutcome{}
	}
	return a.outcomes[a.commands[n-1]]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeNDJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func newTestManagedProvider(t *testing.T, baseURL string, logger *zap.Logger) *ManagedProvider {
	return NewManagedProvider(logger, ManagedConfig{
		BaseURL:   baseURL + "/",
		TeamID:    "team_1",
		ProjectID: "prj_1",
		Token:     testManagedToken,
		Runtime:   "node22",
	}, WithHTTPClient(http.DefaultClient))
}

func TestManagedProviderMissingCredentials(t *testing.T) {
	p := NewManagedProvider(zaptest.NewLogger(t), ManagedConfig{})
	assert.Equal(t, KindManaged, p.Kind())

	_, err := p.Create(context.Background(), Config{TeamID: "team_1"})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"projectId", "token"}, cfgErr.Fields)

	_, err = p.Get(context.Background(), "sbx_1")
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"teamId", "projectId", "token"}, cfgErr.Fields)
}

func TestManagedProviderLifecycle(t *testing.T) {
	api, srv := newFakeManagedAPI(t)
	api.outcomes["echo hi"] = fakeOutcome{stdout: "hi\n"}
	api.outcomes["ls nope"] = fakeOutcome{exitCode: 2, stderr: "ls: nope"}
	api.outcomes["false"] = fakeOutcome{exitCode: 1}

	p := newTestManagedProvider(t, srv.URL, zaptest.NewLogger(t))
	ctx := context.Background()

	h, err := p.Create(ctx, Config{
		Resources: Resources{VCPUs: 2},
		Source:    &Source{URL: "https://github.com/acme/app.git", Revision: "main"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sbx_1", h.ID)
	assert.Equal(t, []int{DefaultPort}, h.Ports)
	assert.Equal(t, "https://sbx-1-3000.example.dev", h.DefaultDomain())
	assert.Empty(t, h.Domain(9999))

	require.Len(t, api.creates, 1)
	create := api.creates[0]
	assert.Equal(t, "prj_1", create.ProjectID)
	assert.Equal(t, "node22", create.Runtime)
	require.NotNil(t, create.Resources)
	assert.Equal(t, 2, create.Resources.VCPUs)
	require.NotNil(t, create.Source)
	assert.Equal(t, "git", create.Source.Type)

	t.Run("Success", func(t *testing.T) {
		res, err := p.RunCommand(ctx, h, Command{Name: "echo", Args: []string{"hi"}})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "hi\n", res.Output)
		assert.Equal(t, 0, *res.ExitCode)
	})

	t.Run("FailureWithStderr", func(t *testing.T) {
		res, err := p.RunCommand(ctx, h, Command{Name: "ls nope"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "ls: nope", res.Error)
		assert.Equal(t, 2, *res.ExitCode)
	})

	t.Run("FailureWithoutStderr", func(t *testing.T) {
		res, err := p.RunCommand(ctx, h, Command{Name: "false"})
		require.NoError(t, err)
		assert.Equal(t, "Command failed", res.Error)
	})

	t.Run("MetricsUnsupported", func(t *testing.T) {
		_, err := p.Metrics(ctx, h)
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	require.NoError(t, p.Shutdown(ctx, h))
	assert.True(t, h.Closed())
	assert.Contains(t, api.commands, "pkill -f node")
	assert.Contains(t, api.commands, "pkill -f python")
	assert.Equal(t, []string{"sbx_1"}, api.stopped)

	res, err := p.RunCommand(ctx, h, Command{Name: "echo hi"})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, res.Success)
	assert.ErrorIs(t, p.Shutdown(ctx, h), ErrNotInitialized)
}

func TestManagedProviderGet(t *testing.T) {
	_, srv := newFakeManagedAPI(t)
	p := newTestManagedProvider(t, srv.URL, zaptest.NewLogger(t))

	h, err := p.Get(context.Background(), "sbx_1")
	require.NoError(t, err)
	assert.Equal(t, []int{3000}, h.Ports)
	assert.Equal(t, "https://sbx-1-3000.example.dev", h.DefaultDomain())

	_, err = p.Get(context.Background(), "sbx_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagedProviderCreateFailureIsRedacted(t *testing.T) {
	api, srv := newFakeManagedAPI(t)
	api.createStatus = http.StatusTooManyRequests
	p := newTestManagedProvider(t, srv.URL, zaptest.NewLogger(t))

	_, err := p.Create(context.Background(), Config{})
	require.Error(t, err)

	var provErr *ProvisioningError
	require.True(t, errors.As(err, &provErr))
	assert.Contains(t, err.Error(), "429")
	assert.NotContains(t, err.Error(), testManagedToken)
}

func TestManagedProviderStopFailureIsLogged(t *testing.T) {
	api, srv := newFakeManagedAPI(t)
	api.stopStatus = http.StatusInternalServerError
	core, logs := observer.New(zap.InfoLevel)
	p := newTestManagedProvider(t, srv.URL, zap.New(core))

	h, err := p.Create(context.Background(), Config{})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background(), h))
	assert.True(t, h.Closed())
	assert.Equal(t, 1, logs.FilterMessage("teardown failed").Len())
}

func TestManagedProviderTransportFailure(t *testing.T) {
	_, srv := newFakeManagedAPI(t)
	p := newTestManagedProvider(t, srv.URL, zaptest.NewLogger(t))

	h, err := p.Create(context.Background(), Config{})
	require.NoError(t, err)

	srv.Close()

	res, err := p.RunCommand(context.Background(), h, Command{Name: "echo hi"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestSplitManagedLogs(t *testing.T) {
	in := strings.NewReader(`{"stream":"stdout","data":"a"}
{"stream":"stderr","data":"b"}
garbage
{"stream":"stdout","data":"c"}
`)
	stdout, stderr := splitManagedLogs(in)
	assert.Equal(t, "ac", stdout)
	assert.Equal(t, "b", stderr)
}
