// Package sandbox provisions isolated sandboxes for coding agents and runs
// commands inside them.
//
// A Provider creates, reattaches, drives and shuts down sandboxes. Three
// variants exist: a container engine that drives a local docker or podman
// binary, a managed provider that talks to a hosted sandbox service, and a
// stub that fabricates results for tests. NewProvider picks one from the
// application configuration.
//
// Executor sits on top of any provider and runs (command, args) pairs
// without letting arguments be interpreted by the sandbox shell. It retries
// failed attempts and redacts secrets from everything it logs or returns.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	handle, err := provider.Create(ctx, sandbox.Config{Ports: []int{3000}})
//	exec := sandbox.NewExecutor(sandbox.HandleTransport{Provider: provider, Handle: handle}, taskLog)
//	result := exec.ExecuteSafe(ctx, "git", []string{"commit", "-m", msg}, sandbox.ExecOptions{})
package sandbox
