package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/own-boldsbrain/ysh-helio-ai-agents/config"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/logger"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/mcpserver"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/sandbox"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.NewFromConfig(cfg, logger.WithRedaction(sandbox.Redact))
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger that masks secrets in every entry
			newLogger,

			// Sandbox provider based on config
			sandbox.NewProvider,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}

				// Sandboxes created through the server do not outlive it
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error {
						server.Shutdown(ctx)
						return nil
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
