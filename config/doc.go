// Package config loads service settings with viper.
//
// Values come from built-in defaults, then config.yaml in . or ./config,
// then environment variables. The historical variable names
// (SANDBOX_PROVIDER, DOCKER_NETWORK, VERCEL_TOKEN and friends) are bound
// explicitly. Settings cover the MCP transport, logging, provider
// selection with per-provider blocks, and executor retry defaults.
package config
