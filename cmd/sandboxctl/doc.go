// Package main is sandboxctl, an operator CLI for the configured sandbox
// provider.
//
// Every subcommand is a separate process, so commands after create locate
// the sandbox through the provider's get operation rather than in-process
// state:
//
//	sandboxctl create --port 3000 --repo https://github.com/acme/app.git
//	sandboxctl exec sandbox-0123456789abcdef -- git status
//	sandboxctl script sandbox-0123456789abcdef ./setup.sh
//	sandboxctl metrics sandbox-0123456789abcdef
//	sandboxctl stop sandbox-0123456789abcdef
package main
