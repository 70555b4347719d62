package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createServeCommand(globalFlags),
		createStatusCommand(),
		createTuningCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procmux",
		Short: "Event-driven child process multiplexer",
		Long: `procmux monitors many child processes with a small pool of processor
threads that poll for output and exit events.

Examples:
  procmux run --cmd="sh -c 'echo hi'"
  procmux run --config=procmux.toml
  procmux serve --config=procmux.toml
  procmux status --api-url=http://127.0.0.1:7070/api
  procmux tuning`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run processes and wait for them to exit",
		Long: `Run every process from the config file, or a single one given by flags,
wait for all of them and print their final status. The exit code is non-zero
when any child failed.

Examples:
  procmux run --cmd="sleep 1"
  procmux run --name=build --cmd="make all" --work-dir=/src
  procmux run --config=procmux.toml --threads=2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			c := command{out: cmd.OutOrStdout()}
			return c.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name (defaults to the program name of --cmd)")
	cmd.Flags().StringVar(&f.Cmd, "cmd", "", "command to run")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().IntVar(&f.Threads, "threads", 0, "number of processors (0 = config or NumCPU)")
	cmd.Flags().StringVar(&f.Backend, "backend", "", "poll backend: auto, epoll or poll")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "give up waiting after this long (0 = no limit)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print statuses as JSON")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the introspection HTTP server",
		Long: `Start the multiplexer together with its HTTP API.

Examples:
  procmux serve
  procmux serve procmux.toml --start
  procmux serve --listen=:7070 --metrics`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			c := command{out: cmd.OutOrStdout()}
			return c.Serve(cmd.Context(), *f, nil)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (overrides [server].base_path)")
	cmd.Flags().BoolVar(&f.Metrics, "metrics", false, "expose prometheus metrics at /metrics")
	cmd.Flags().BoolVar(&f.StartConfigured, "start", false, "start the configured processes")
	return cmd
}

func createStatusCommand() *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show process status from a running server",
		Long: `Query a running procmux server.

Examples:
  procmux status                 # all running and recently exited processes
  procmux status --pid=1234
  procmux status --processors`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := command{out: cmd.OutOrStdout()}
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "process id (optional)")
	cmd.Flags().BoolVar(&f.Processors, "processors", false, "show processors instead of processes")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createTuningCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &TuningFlags{}
	cmd := &cobra.Command{
		Use:   "tuning",
		Short: "Print the resolved processor tuning",
		Long: `Print the tuning resolved from the config file and PROCMUX_* variables,
or the tuning of a running server when --api-url is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			c := command{out: cmd.OutOrStdout()}
			return c.Tuning(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "server URL (e.g. https://127.0.0.1:7070/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate to trust for https servers")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}
