package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// StubOutput is the output of every stub command
const StubOutput = "Stub command output"

// StubProvider fabricates successful results without touching any real
// resource. It is the default provider, so tests and credential-free
// environments work out of the box.
type StubProvider struct {
	logger *zap.Logger
	seq    atomic.Int64
}

// NewStubProvider creates a StubProvider
func NewStubProvider(logger *zap.Logger) *StubProvider {
	return &StubProvider{logger: logger}
}

func (*StubProvider) Kind() Kind {
	return KindStub
}

func stubDomain(port int) string {
	return fmt.Sprintf("stub-sandbox.local:%d", port)
}

func (p *StubProvider) Create(_ context.Context, cfg Config) (*Handle, error) {
	id := fmt.Sprintf("stub-%d", p.seq.Add(1))
	p.logger.Info("creating sandbox (simulated)", zap.String("sandbox_id", id), zap.Ints("ports", cfg.ports()))
	return newHandle(KindStub, id, cfg.ports(), stubDomain), nil
}

func (p *StubProvider) Get(_ context.Context, sandboxID string) (*Handle, error) {
	if sandboxID == "" {
		return nil, &NotFoundError{SandboxID: sandboxID}
	}
	return newHandle(KindStub, sandboxID, []int{DefaultPort}, stubDomain), nil
}

func (p *StubProvider) RunCommand(_ context.Context, h *Handle, cmd Command) (CommandResult, error) {
	if err := checkHandle(h, KindStub); err != nil {
		return CommandResult{Success: false, Error: err.Error()}, err
	}
	p.logger.Info("running command (simulated)", zap.String("sandbox_id", h.ID), zap.String("command", Redact(cmd.Line())))
	return CommandResult{Success: true, Output: StubOutput, ExitCode: intPtr(0)}, nil
}

func (p *StubProvider) Metrics(_ context.Context, h *Handle) (ResourceMetrics, error) {
	if err := checkHandle(h, KindStub); err != nil {
		return ResourceMetrics{}, err
	}
	return ResourceMetrics{}, nil
}

func (p *StubProvider) Shutdown(_ context.Context, h *Handle) error {
	if err := checkHandle(h, KindStub); err != nil {
		return err
	}
	p.logger.Info("shutting down sandbox (simulated)", zap.String("sandbox_id", h.ID))
	h.close()
	return nil
}
