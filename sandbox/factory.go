package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/own-boldsbrain/ysh-helio-ai-agents/config"
)

// NewProvider creates the sandbox provider selected by the configuration.
// An empty provider name selects the stub.
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	kind, err := ParseKind(cfg.Sandbox.Provider)
	if err != nil {
		return nil, err
	}

	logger.Info("creating sandbox provider", zap.String("kind", string(kind)))

	switch kind {
	case KindContainerEngine:
		d := cfg.Sandbox.Docker
		engine := NewContainerEngine(logger, EngineConfig{
			Image:          d.Image,
			Network:        d.Network,
			MemoryLimit:    d.MemoryLimit,
			CPULimit:       d.CPULimit,
			KeepVolume:     d.KeepVolume,
			ProjectDir:     d.ProjectDir,
			CommandTimeout: cfg.CommandTimeout(),
		}, WithRuntime(NewCLIRuntime(d.Binary)))
		return NewContainerProvider(logger, engine), nil
	case KindManaged:
		m := cfg.Sandbox.Managed
		return NewManagedProvider(logger, ManagedConfig{
			BaseURL:   m.BaseURL,
			TeamID:    m.TeamID,
			ProjectID: m.ProjectID,
			Token:     m.Token,
			Runtime:   m.Runtime,
			Timeout:   time.Duration(m.TimeoutSec) * time.Second,
		}), nil
	case KindStub:
		return NewStubProvider(logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", kind)
	}
}

// DefaultExecOptions returns the executor defaults from the configuration
func DefaultExecOptions(cfg *config.Config) ExecOptions {
	return ExecOptions{
		Timeout:    cfg.ExecutorTimeout(),
		Retries:    cfg.Executor.Retries,
		RetryDelay: cfg.RetryDelay(),
	}
}
