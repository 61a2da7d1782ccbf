// Package main is the entry point for the sandbox MCP server.
//
// The server exposes isolated sandboxes for coding agents over the Model
// Context Protocol. The backing provider (local containers, a managed
// sandbox service, or a stub) is chosen by configuration. Tools cover the
// whole sandbox lifecycle and run commands through the safe executor.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
