// Package main provides the a2a CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msageha/a2a_engine/internal/daemon"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/setup"
)

var version = "0.1.0"

// Persistent flags.
var (
	baseDirFlag string
	addrFlag    string
	jsonOutput  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "a2a",
		Short: "Task orchestration engine for agent pipelines",
		Long: `a2a runs a pipeline of agents (Planner, CodeGen, Builder, Evaluator)
behind a JSON-RPC 2.0 endpoint and tracks every task through its lifecycle.

  a2a setup <dir>        Create the .a2a runtime directory
  a2a serve              Run the engine in the foreground
  a2a task create ...    Submit a task
  a2a admin status       Inspect a running engine`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "", "runtime directory (default: nearest .a2a)")
	root.PersistentFlags().StringVar(&addrFlag, "addr", "", "JSON-RPC address of a running engine")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	root.AddCommand(
		serveCmd(),
		setupCmd(),
		taskCmd(),
		agentsCmd(),
		adminCmd(),
		versionCmd(),
	)
	return root
}

// resolveBaseDir returns the runtime directory from --base-dir or the
// nearest .a2a above the working directory.
func resolveBaseDir() (string, error) {
	if baseDirFlag != "" {
		return filepath.Abs(baseDirFlag)
	}
	if dir := model.FindBaseDir(); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("%s/ directory not found; run 'a2a setup <dir>' first", model.BaseDirName)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir, err := resolveBaseDir()
			if err != nil {
				return err
			}
			cfg, err := model.LoadConfig(baseDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			d, err := daemon.New(baseDir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}

			go func() {
				<-d.Ready()
				fmt.Printf("%s listening on %s (admin socket %s)\n",
					color.GreenString("ready"), d.Addr(), d.SocketPath())
			}()
			return d.Run(cmd.Context())
		},
	}
}

func setupCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "setup <project_dir>",
		Short: "Create the .a2a runtime directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := setup.Run(args[0], name)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			fmt.Printf("Initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("a2a %s\n", version)
		},
	}
}

// signalContext is canceled on SIGINT or SIGTERM. Used by commands that
// block on a stream.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
