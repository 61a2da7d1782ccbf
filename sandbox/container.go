package sandbox

import (
	"context"

	"go.uber.org/zap"
)

// ContainerProvider adapts ContainerEngine to the Provider interface
type ContainerProvider struct {
	logger *zap.Logger
	engine *ContainerEngine
}

// NewContainerProvider creates a ContainerProvider over engine
func NewContainerProvider(logger *zap.Logger, engine *ContainerEngine) *ContainerProvider {
	return &ContainerProvider{logger: logger, engine: engine}
}

// Engine returns the underlying engine
func (p *ContainerProvider) Engine() *ContainerEngine {
	return p.engine
}

func (*ContainerProvider) Kind() Kind {
	return KindContainerEngine
}

func (p *ContainerProvider) handleFor(sb *Sandbox) *Handle {
	return newHandle(KindContainerEngine, sb.ID(), sb.Record().Ports, sb.Domain)
}

func (p *ContainerProvider) Create(ctx context.Context, cfg Config) (*Handle, error) {
	sb, err := p.engine.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return p.handleFor(sb), nil
}

func (p *ContainerProvider) Get(ctx context.Context, sandboxID string) (*Handle, error) {
	sb, err := p.engine.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return p.handleFor(sb), nil
}

// sandbox resolves a live handle to its engine sandbox. Only registered
// sandboxes resolve; a handle whose sandbox was stopped elsewhere is not
// reattached.
func (p *ContainerProvider) sandbox(h *Handle) (*Sandbox, error) {
	if err := checkHandle(h, KindContainerEngine); err != nil {
		return nil, err
	}
	rec, ok := p.engine.registry.Get(h.ID)
	if !ok {
		return nil, ErrNotInitialized
	}
	return &Sandbox{engine: p.engine, state: StateRunning, record: rec}, nil
}

func (p *ContainerProvider) RunCommand(ctx context.Context, h *Handle, cmd Command) (CommandResult, error) {
	sb, err := p.sandbox(h)
	if err != nil {
		return CommandResult{Success: false, Error: err.Error()}, err
	}
	return sb.RunCommand(ctx, cmd)
}

func (p *ContainerProvider) Metrics(ctx context.Context, h *Handle) (ResourceMetrics, error) {
	sb, err := p.sandbox(h)
	if err != nil {
		return ResourceMetrics{}, err
	}
	return sb.Metrics(ctx)
}

// Shutdown stops the sandbox behind h. Teardown failures are logged by the
// engine; the handle is closed either way.
func (p *ContainerProvider) Shutdown(ctx context.Context, h *Handle) error {
	sb, err := p.sandbox(h)
	if err != nil {
		return err
	}
	p.logger.Info("shutting down sandbox", zap.String("sandbox_id", h.ID))
	sb.Stop(ctx)
	h.close()
	return nil
}

// Close stops every sandbox the engine still has registered, including
// ones whose handles were dropped without Shutdown.
func (p *ContainerProvider) Close(ctx context.Context) error {
	if n := p.engine.StopAll(ctx); n > 0 {
		p.logger.Info("stopped remaining sandboxes", zap.Int("count", n))
	}
	return nil
}
