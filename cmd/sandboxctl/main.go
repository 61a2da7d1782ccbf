package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/own-boldsbrain/ysh-helio-ai-agents/config"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/logger"
	"github.com/own-boldsbrain/ysh-helio-ai-agents/sandbox"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", sandbox.Redact(err.Error()))
		os.Exit(1)
	}
}

// app holds what every subcommand needs, built once flags are parsed
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	provider sandbox.Provider
	out      io.Writer
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		a          = &app{}
	)

	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Create, drive and tear down coding agent sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if configPath != "" {
				a.cfg, err = config.NewFromFile(configPath)
			} else {
				a.cfg, err = config.New()
			}
			if err != nil {
				return err
			}

			a.log, err = logger.NewFromConfig(a.cfg, logger.WithRedaction(sandbox.Redact))
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}

			a.provider, err = sandbox.NewProvider(a.log, a.cfg)
			if err != nil {
				return fmt.Errorf("creating provider: %w", err)
			}

			a.out = cmd.OutOrStdout()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		createCmd(a),
		execCmd(a),
		scriptCmd(a),
		metricsCmd(a),
		stopCmd(a),
	)

	return root
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) executor(h *sandbox.Handle, taskID string) *sandbox.Executor {
	return sandbox.NewExecutor(
		sandbox.HandleTransport{Provider: a.provider, Handle: h},
		logger.NewTaskLogger(a.log, taskID),
		sandbox.WithDefaults(sandbox.DefaultExecOptions(a.cfg)),
	)
}

func createCmd(a *app) *cobra.Command {
	var (
		ports    []int
		repo     string
		revision string
		depth    int
		vcpus    int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sandbox and print its id and domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := sandbox.Config{
				Ports:     ports,
				Resources: sandbox.Resources{VCPUs: vcpus},
			}
			if repo != "" {
				cfg.Source = &sandbox.Source{URL: repo, Revision: revision, Depth: depth}
			}

			h, err := a.provider.Create(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			return a.print(map[string]any{
				"sandbox_id": h.ID,
				"kind":       h.Kind,
				"ports":      h.Ports,
				"domain":     h.DefaultDomain(),
			})
		},
	}

	cmd.Flags().IntSliceVar(&ports, "port", nil, "port to expose (repeatable, default 3000)")
	cmd.Flags().StringVar(&repo, "repo", "", "git repository to clone into the project directory")
	cmd.Flags().StringVar(&revision, "revision", "", "branch to clone (default main)")
	cmd.Flags().IntVar(&depth, "depth", 0, "clone depth (default 1)")
	cmd.Flags().IntVar(&vcpus, "vcpus", 0, "virtual CPUs")

	return cmd
}

func execCmd(a *app) *cobra.Command {
	var (
		cwd     string
		retries int
		taskID  string
	)

	cmd := &cobra.Command{
		Use:   "exec SANDBOX_ID -- COMMAND [ARG...]",
		Short: "Run a command; arguments after the command are passed literally",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.provider.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("retries") && retries == 0 {
				retries = sandbox.NoRetries
			}

			res := a.executor(h, taskID).ExecuteSafe(cmd.Context(), args[1], args[2:], sandbox.ExecOptions{
				Cwd:     cwd,
				Retries: retries,
			})
			if err := a.print(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("command failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory inside the sandbox")
	cmd.Flags().IntVar(&retries, "retries", 0, "extra attempts after a failure (default from config)")
	cmd.Flags().StringVar(&taskID, "task", "", "task id attached to log lines")

	return cmd
}

func scriptCmd(a *app) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "script SANDBOX_ID FILE",
		Short: "Upload a local script into the sandbox, run it and remove it (FILE - reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if args[1] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}

			h, err := a.provider.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			res := a.executor(h, taskID).ExecuteScript(cmd.Context(), string(body), sandbox.ExecOptions{})
			if err := a.print(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("script failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task id attached to log lines")

	return cmd
}

func metricsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics SANDBOX_ID",
		Short: "Print a resource usage snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.provider.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			m, err := a.provider.Metrics(cmd.Context(), h)
			if err != nil {
				return err
			}
			return a.print(m)
		},
	}
}

func stopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop SANDBOX_ID",
		Short: "Stop a sandbox and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.provider.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if err := a.provider.Shutdown(cmd.Context(), h); err != nil {
				return err
			}
			return a.print(map[string]string{"sandbox_id": h.ID, "status": "stopped"})
		},
	}
}
