package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type execResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// fakeRuntime is an in-memory Runtime. Networks and volumes behave like the
// real binary: creating an existing one fails with "already exists".
type fakeRuntime struct {
	mu sync.Mutex

	networks   map[string]bool
	volumes    map[string]bool
	containers map[string]RunSpec // container id -> spec
	running    map[string]string  // name -> container id

	runErr      error
	stopErr     error
	statsText   string
	statsErr    error
	portsText   string
	execResults map[string]execResult // keyed by last argv element
	execs       []ExecSpec
	removedVols []string
	seq         int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		networks:    make(map[string]bool),
		volumes:     make(map[string]bool),
		containers:  make(map[string]RunSpec),
		running:     make(map[string]string),
		execResults: make(map[string]execResult),
	}
}

func alreadyExists(kind, name string) error {
	return &ExecutionError{Command: kind + " create " + name, ExitCode: 1, Stderr: fmt.Sprintf("%s %s already exists", kind, name)}
}

func (f *fakeRuntime) CreateVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.volumes[name] {
		return alreadyExists("volume", name)
	}
	f.volumes[name] = true
	return nil
}

func (f *fakeRuntime) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	f.removedVols = append(f.removedVols, name)
	return nil
}

func (f *fakeRuntime) NetworkExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name], nil
}

func (f *fakeRuntime) CreateNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networks[name] {
		return alreadyExists("network", name)
	}
	f.networks[name] = true
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, spec RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.seq++
	id := fmt.Sprintf("container-%d", f.seq)
	f.containers[id] = spec
	f.running[spec.Name] = id
	return id, nil
}

func (f *fakeRuntime) Exec(_ context.Context, spec ExecSpec) (string, string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, spec)
	key := ""
	if len(spec.Argv) > 0 {
		key = spec.Argv[len(spec.Argv)-1]
	}
	r := f.execResults[key]
	return r.stdout, r.stderr, r.exitCode, r.err
}

func (f *fakeRuntime) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	for name, id := range f.running {
		if id == containerID {
			delete(f.running, name)
		}
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeRuntime) FindRunning(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}

func (f *fakeRuntime) PortsText(_ context.Context, _ string) (string, error) {
	return f.portsText, nil
}

func (f *fakeRuntime) StatsText(_ context.Context, _ string) (string, error) {
	return f.statsText, f.statsErr
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("sandbox-%016d", n.Add(1))
	}
}

func newTestEngine(t *testing.T, rt Runtime, cfg EngineConfig) *ContainerEngine {
	return NewContainerEngine(zaptest.NewLogger(t), cfg, WithRuntime(rt), WithIDGenerator(sequentialIDs()))
}

func TestContainerEngineDefaults(t *testing.T) {
	e := NewContainerEngine(zaptest.NewLogger(t), EngineConfig{})
	assert.Equal(t, DefaultEngineConfig(), e.config)
	assert.NotNil(t, e.runtime)
	assert.NotNil(t, e.Registry())

	id := newSandboxID()
	assert.Regexp(t, `^sandbox-[0-9a-f]{16}$`, id)
}

func TestContainerEngineCreate(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt, EngineConfig{})

	sb, err := e.Create(context.Background(), Config{})
	require.NoError(t, err)

	assert.Equal(t, StateRunning, sb.State())
	rec := sb.Record()
	assert.Equal(t, "sandbox-0000000000000001", rec.SandboxID)
	assert.Equal(t, "sandbox-0000000000000001-data", rec.VolumeName)
	assert.Equal(t, []int{DefaultPort}, rec.Ports)
	assert.Equal(t, DefaultProjectDir, rec.ProjectDir)
	assert.Equal(t, "localhost:3000", sb.Domain(3000))

	spec := rt.containers[rec.ContainerID]
	assert.Equal(t, "coding-agent-sandbox:latest", spec.Image)
	assert.Equal(t, "coding-agent-network", spec.Network)
	assert.Equal(t, WorkspaceDir, spec.MountPath)
	assert.Equal(t, idleCommand, spec.Entrypoint)
	assert.Equal(t, rec.SandboxID, spec.Labels[LabelSandboxID])

	_, ok := e.Registry().Get(rec.SandboxID)
	assert.True(t, ok)
	assert.True(t, rt.networks["coding-agent-network"])
}

func TestContainerEngineCreateWithSource(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt, EngineConfig{})

	sb, err := e.Create(context.Background(), Config{
		Ports:     []int{5173},
		Resources: Resources{VCPUs: 4},
		Source:    &Source{URL: "https://github.com/acme/app.git", Revision: "dev", Depth: 3},
	})
	require.NoError(t, err)

	spec := rt.containers[sb.Record().ContainerID]
	assert.Equal(t, "4", spec.CPULimit)
	assert.Equal(t, []int{5173}, spec.Ports)
	assert.Equal(t, []string{"GIT_URL=https://github.com/acme/app.git", "GIT_BRANCH=dev", "GIT_DEPTH=3"}, spec.Env)
	assert.Contains(t, spec.Entrypoint, `git clone '--depth' '3' '-b' 'dev'`)
	assert.Contains(t, spec.Entrypoint, idleCommand)
}

func TestContainerEngineCreateRollback(t *testing.T) {
	rt := newFakeRuntime()
	rt.runErr = errors.New("image not found")
	e := newTestEngine(t, rt, EngineConfig{})

	sb, err := e.Create(context.Background(), Config{})
	require.Error(t, err)
	assert.Nil(t, sb)

	var provErr *ProvisioningError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "start container", provErr.Step)
	assert.Equal(t, "sandbox-0000000000000001", provErr.SandboxID)
	assert.ErrorContains(t, err, "image not found")

	assert.Empty(t, rt.volumes)
	assert.Equal(t, []string{"sandbox-0000000000000001-data"}, rt.removedVols)
	assert.Equal(t, 0, e.Registry().Len())
}

func TestContainerEngineNetworkReuse(t *testing.T) {
	t.Run("Sequential", func(t *testing.T) {
		rt := newFakeRuntime()
		e := newTestEngine(t, rt, EngineConfig{})

		_, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)
		_, err = e.Create(context.Background(), Config{})
		require.NoError(t, err)
		assert.Equal(t, 2, e.Registry().Len())
	})

	t.Run("LostRace", func(t *testing.T) {
		rt := &racingRuntime{fakeRuntime: newFakeRuntime()}
		e := newTestEngine(t, rt, EngineConfig{})

		_, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)
	})

	t.Run("Concurrent", func(t *testing.T) {
		rt := newFakeRuntime()
		e := newTestEngine(t, rt, EngineConfig{})

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Create(context.Background(), Config{})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 10, e.Registry().Len())
	})
}

// racingRuntime reports the network absent, then loses the creation race
type racingRuntime struct {
	*fakeRuntime
}

func (r *racingRuntime) NetworkExists(context.Context, string) (bool, error) {
	return false, nil
}

func (r *racingRuntime) CreateNetwork(_ context.Context, name string) error {
	return alreadyExists("network", name)
}

func TestContainerEngineGet(t *testing.T) {
	t.Run("FromRegistry", func(t *testing.T) {
		rt := newFakeRuntime()
		e := newTestEngine(t, rt, EngineConfig{})
		created, err := e.Create(context.Background(), Config{Ports: []int{8080}})
		require.NoError(t, err)

		sb, err := e.Get(context.Background(), created.ID())
		require.NoError(t, err)
		assert.Equal(t, created.Record(), sb.Record())
	})

	t.Run("Reattach", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		rt := newFakeRuntime()
		rt.running["sandbox-orphan"] = "c-orphan"
		rt.portsText = "3000/tcp 8080/tcp 53/udp "
		e := NewContainerEngine(zap.New(core), EngineConfig{}, WithRuntime(rt))

		sb, err := e.Get(context.Background(), "sandbox-orphan")
		require.NoError(t, err)

		rec := sb.Record()
		assert.Equal(t, "c-orphan", rec.ContainerID)
		assert.Equal(t, []int{3000, 8080}, rec.Ports)
		assert.Equal(t, "sandbox-orphan-data", rec.VolumeName)
		assert.Equal(t, 1, e.Registry().Len())
		assert.Equal(t, 1, logs.FilterMessage("sandbox reattached").Len())
	})

	t.Run("ReattachDefaultPort", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.running["sandbox-x"] = "c-x"
		e := newTestEngine(t, rt, EngineConfig{})

		sb, err := e.Get(context.Background(), "sandbox-x")
		require.NoError(t, err)
		assert.Equal(t, []int{DefaultPort}, sb.Record().Ports)
	})

	t.Run("NotFound", func(t *testing.T) {
		e := newTestEngine(t, newFakeRuntime(), EngineConfig{})

		_, err := e.Get(context.Background(), "sandbox-missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)

		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "sandbox-missing", nf.SandboxID)
	})
}

func TestSandboxRunCommand(t *testing.T) {
	rt := newFakeRuntime()
	rt.execResults["echo hi"] = execResult{stdout: "hi\n"}
	rt.execResults["false"] = execResult{exitCode: 1}
	rt.execResults["ls nope"] = execResult{stderr: "ls: nope: No such file", exitCode: 2}
	rt.execResults["boom"] = execResult{err: errors.New("connection reset"), exitCode: -1}
	e := newTestEngine(t, rt, EngineConfig{})

	sb, err := e.Create(context.Background(), Config{})
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		res, err := sb.RunCommand(context.Background(), Command{Name: "echo", Args: []string{"hi"}, Env: map[string]string{"A": "1"}})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "hi\n", res.Output)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)

		last := rt.execs[len(rt.execs)-1]
		assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, last.Argv)
		assert.Equal(t, DefaultProjectDir, last.WorkDir)
		assert.Equal(t, map[string]string{"A": "1"}, last.Env)
	})

	t.Run("Cwd", func(t *testing.T) {
		_, err := sb.RunCommand(context.Background(), Command{Name: "echo hi", Cwd: "/tmp"})
		require.NoError(t, err)
		assert.Equal(t, "/tmp", rt.execs[len(rt.execs)-1].WorkDir)
	})

	t.Run("FailureWithoutStderr", func(t *testing.T) {
		res, err := sb.RunCommand(context.Background(), Command{Name: "false"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Command execution failed", res.Error)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 1, *res.ExitCode)
	})

	t.Run("FailureWithStderr", func(t *testing.T) {
		res, err := sb.RunCommand(context.Background(), Command{Name: "ls", Args: []string{"nope"}})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "ls: nope: No such file", res.Error)
		assert.Equal(t, 2, *res.ExitCode)
	})

	t.Run("TransportError", func(t *testing.T) {
		res, err := sb.RunCommand(context.Background(), Command{Name: "boom"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "connection reset")
		assert.Nil(t, res.ExitCode)
	})
}

func TestSandboxStop(t *testing.T) {
	t.Run("RemovesEverything", func(t *testing.T) {
		rt := newFakeRuntime()
		e := newTestEngine(t, rt, EngineConfig{})
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		sb.Stop(context.Background())

		assert.Equal(t, StateTerminated, sb.State())
		assert.Equal(t, 0, e.Registry().Len())
		assert.Empty(t, rt.containers)
		assert.Empty(t, rt.volumes)

		res, err := sb.RunCommand(context.Background(), Command{Name: "echo hi"})
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.False(t, res.Success)
		assert.Equal(t, "container not initialized", res.Error)

		_, err = sb.Metrics(context.Background())
		assert.ErrorIs(t, err, ErrNotInitialized)

		// second stop is a no-op
		sb.Stop(context.Background())
		assert.Equal(t, StateTerminated, sb.State())
	})

	t.Run("KeepVolume", func(t *testing.T) {
		rt := newFakeRuntime()
		e := newTestEngine(t, rt, EngineConfig{KeepVolume: true})
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		sb.Stop(context.Background())

		assert.True(t, rt.volumes[sb.Record().VolumeName])
		assert.Empty(t, rt.removedVols)
	})

	t.Run("TeardownFailureIsLogged", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		rt := newFakeRuntime()
		e := NewContainerEngine(zap.New(core), EngineConfig{}, WithRuntime(rt))
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		rt.stopErr = errors.New("daemon gone")
		sb.Stop(context.Background())

		assert.Equal(t, StateTerminated, sb.State())
		assert.Equal(t, 0, e.Registry().Len())
		assert.Equal(t, 1, logs.FilterMessage("teardown failed").Len())
	})

	t.Run("StoppedThroughAnotherValue", func(t *testing.T) {
		rt := newFakeRuntime()
		e := newTestEngine(t, rt, EngineConfig{})
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		other, err := e.Get(context.Background(), sb.ID())
		require.NoError(t, err)
		other.Stop(context.Background())

		_, err = sb.RunCommand(context.Background(), Command{Name: "echo hi"})
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestContainerEngineStopAll(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestEngine(t, rt, EngineConfig{})
	ctx := context.Background()

	first, err := e.Create(ctx, Config{})
	require.NoError(t, err)
	_, err = e.Create(ctx, Config{Ports: []int{8080}})
	require.NoError(t, err)

	assert.Equal(t, 2, e.StopAll(ctx))
	assert.Equal(t, 0, e.Registry().Len())
	assert.Empty(t, rt.containers)
	assert.Empty(t, rt.volumes)

	_, err = first.RunCommand(ctx, Command{Name: "echo hi"})
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.Equal(t, 0, e.StopAll(ctx))
}

func TestSandboxMetrics(t *testing.T) {
	t.Run("Complete", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.statsText = "12.34%,123.4MiB / 2GiB,1.2kB / 3.4kB\n"
		rt.execResults[WorkspaceDir] = execResult{stdout: "42\t/workspace\n"}
		e := newTestEngine(t, rt, EngineConfig{})
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		m, err := sb.Metrics(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 12.34, m.CPU, 1e-9)
		assert.InDelta(t, 2048, m.MemoryLimit, 1e-9)
		assert.InDelta(t, 42, m.DiskUsage, 1e-9)

		last := rt.execs[len(rt.execs)-1]
		assert.Equal(t, []string{"du", "-sm", WorkspaceDir}, last.Argv)
	})

	t.Run("Lenient", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		rt := newFakeRuntime()
		rt.statsText = "--,garbage,1kB / 2kB"
		rt.execResults[WorkspaceDir] = execResult{stderr: "du: denied", exitCode: 1}
		e := NewContainerEngine(zap.New(core), EngineConfig{}, WithRuntime(rt))
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		m, err := sb.Metrics(context.Background())
		require.NoError(t, err)
		assert.Zero(t, m.CPU)
		assert.Zero(t, m.Memory)
		assert.InDelta(t, 1024, m.NetworkRx, 1e-9)
		assert.Zero(t, m.DiskUsage)
		assert.Equal(t, 2, logs.FilterMessage("metrics field defaulted to zero").Len())
		assert.Equal(t, 1, logs.FilterMessage("disk usage unavailable").Len())
	})

	t.Run("StatsFailure", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.statsErr = errors.New("no such container")
		e := newTestEngine(t, rt, EngineConfig{})
		sb, err := e.Create(context.Background(), Config{})
		require.NoError(t, err)

		_, err = sb.Metrics(context.Background())
		assert.ErrorContains(t, err, "failed to get metrics")
	})
}
