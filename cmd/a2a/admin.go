package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/daemon"
	"github.com/msageha/a2a_engine/internal/diag"
	"github.com/msageha/a2a_engine/internal/uds"
)

func adminSocket(baseDir string) string {
	return filepath.Join(baseDir, uds.DefaultSocketName)
}

// adminCall sends one command to the admin socket of the engine owning
// the resolved runtime directory.
func adminCall(ctx context.Context, command string, params, out any) error {
	baseDir, err := resolveBaseDir()
	if err != nil {
		return err
	}
	c := uds.NewClient(adminSocket(baseDir))
	c.SetTimeout(callTimeout)
	return c.Call(ctx, command, params, out)
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Control a running engine over its admin socket",
	}
	cmd.AddCommand(
		adminStatusCmd(),
		adminDiagnosticsCmd(),
		adminDeadLettersCmd(),
		adminReloadCmd(),
		adminShutdownCmd(),
	)
	return cmd
}

func adminStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st daemon.StatusInfo
			if err := adminCall(cmd.Context(), uds.CmdStatus, nil, &st); err != nil {
				return err
			}
			return printStatus(st)
		},
	}
}

func listFlags(cmd *cobra.Command, p *daemon.ListParams) {
	cmd.Flags().StringVar(&p.TaskID, "task", "", "only entries for this task")
	cmd.Flags().IntVarP(&p.Limit, "limit", "n", 0, "maximum entries (default 50)")
}

func adminDiagnosticsCmd() *cobra.Command {
	var p daemon.ListParams
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show recent dispatch diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []diag.Entry
			if err := adminCall(cmd.Context(), uds.CmdDiagnostics, p, &entries); err != nil {
				return err
			}
			return printDiagnostics(entries)
		},
	}
	listFlags(cmd, &p)
	return cmd
}

func adminDeadLettersCmd() *cobra.Command {
	var p daemon.ListParams
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Show undeliverable messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dead []bus.DeadLetter
			if err := adminCall(cmd.Context(), uds.CmdDeadLetters, p, &dead); err != nil {
				return err
			}
			return printDeadLetters(dead)
		},
	}
	listFlags(cmd, &p)
	return cmd
}

func adminReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read config.yaml and apply the logging, pipeline and agents sections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res daemon.ReloadResult
			if err := adminCall(cmd.Context(), uds.CmdReload, nil, &res); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("reloaded (log level %s)\n", res.LogLevel)
			fmt.Printf("  registered: %v\n", res.Registered)
			if len(res.Removed) > 0 {
				fmt.Printf("  removed:    %v\n", res.Removed)
			}
			return nil
		},
	}
}

func adminShutdownCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the engine gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminCall(cmd.Context(), uds.CmdShutdown, nil, nil); err != nil {
				return err
			}
			if wait <= 0 {
				fmt.Println("shutdown requested")
				return nil
			}
			// The socket disappears once the engine has stopped.
			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				if err := adminCall(cmd.Context(), uds.CmdPing, nil, nil); err != nil {
					fmt.Println("engine stopped")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("engine still running after %s", wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the engine to exit")
	return cmd
}
