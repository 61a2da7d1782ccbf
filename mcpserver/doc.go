// Package mcpserver serves sandbox tools over the Model Context Protocol
// using mark3labs/mcp-go.
//
// Tools: sandbox_create, sandbox_run, sandbox_script, sandbox_metrics and
// sandbox_stop. Commands run through sandbox.Executor, so arguments are
// quoted and output is redacted before it reaches the caller. Sandboxes
// created by one server are tracked and stopped by Shutdown; ids created
// elsewhere are reattached through the provider.
//
//	srv, err := mcpserver.New(cfg, log, provider)
//	if err != nil {
//	    return err
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
