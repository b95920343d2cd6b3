package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/a2a_engine/internal/manager"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/rpc"
	"github.com/msageha/a2a_engine/internal/uds"
)

const callTimeout = 30 * time.Second

// rpcClient connects to --addr, or to the address a running engine reports
// over its admin socket, or to server.listen from config.yaml.
func rpcClient(ctx context.Context) (*rpc.Client, error) {
	if addrFlag != "" {
		return rpc.NewClient(addrFlag, nil), nil
	}
	baseDir, err := resolveBaseDir()
	if err != nil {
		return nil, err
	}

	var status struct {
		Listen string `json:"listen"`
	}
	admin := uds.NewClient(adminSocket(baseDir))
	admin.SetTimeout(2 * time.Second)
	if err := admin.Call(ctx, uds.CmdStatus, nil, &status); err == nil && status.Listen != "" {
		return rpc.NewClient(status.Listen, nil), nil
	}

	cfg, err := model.LoadConfig(baseDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return rpc.NewClient(cfg.Server.Listen, nil), nil
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and control tasks",
	}
	cmd.AddCommand(
		taskCreateCmd(),
		taskGetCmd(),
		taskCancelCmd(),
		taskInputCmd(),
		taskWatchCmd(),
	)
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var (
		p       manager.CreateParams
		payload string
		watch   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new task",
		Long: `Submit a new task. Without --type the task starts with a plan-request
built from --prompt, --duration and --style.

Examples:
  a2a task create --project demo --prompt "A boat in a storm."
  a2a task create --project demo --type code-ready --agent Builder --payload @code.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				raw, err := readPayload(payload)
				if err != nil {
					return err
				}
				p.Payload = raw
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			c, err := rpcClient(ctx)
			if err != nil {
				return err
			}
			task, err := c.CreateTask(ctx, p)
			if err != nil {
				return err
			}
			if err := printTask(task); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchTask(cmd.Context(), c, task.ID)
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.ProjectID, "project", "", "project id (required)")
	f.StringVar(&p.IdempotencyKey, "idempotency-key", "", "return the existing task for a repeated key")
	f.StringVar(&p.Agent, "agent", "", "first agent (default: processor.entry_agent)")
	f.StringVar(&p.Type, "type", "", "seed message type")
	f.StringVar(&payload, "payload", "", "seed payload as JSON, or @file")
	f.StringVar(&p.Prompt, "prompt", "", "video prompt")
	f.IntVar(&p.DurationSec, "duration", 0, "video duration in seconds")
	f.StringVar(&p.Style, "style", "", "visual style")
	f.BoolVarP(&watch, "watch", "w", false, "stream status until the task finishes")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// taskCall wraps the single-id task commands.
func taskCall(use, short string, fn func(context.Context, *rpc.Client, string) (*model.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			c, err := rpcClient(ctx)
			if err != nil {
				return err
			}
			task, err := fn(ctx, c, args[0])
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

func taskGetCmd() *cobra.Command {
	return taskCall("get", "Show a task", func(ctx context.Context, c *rpc.Client, id string) (*model.Task, error) {
		return c.GetTask(ctx, id)
	})
}

func taskCancelCmd() *cobra.Command {
	return taskCall("cancel", "Cancel a task", func(ctx context.Context, c *rpc.Client, id string) (*model.Task, error) {
		return c.CancelTask(ctx, id)
	})
}

func taskInputCmd() *cobra.Command {
	var (
		answer string
		values map[string]string
	)
	cmd := taskCall("input", "Answer a task waiting for input", func(ctx context.Context, c *rpc.Client, id string) (*model.Task, error) {
		return c.SubmitInput(ctx, id, model.InputResponse{Answer: answer, Values: values})
	})
	cmd.Flags().StringVar(&answer, "answer", "", "free-form answer")
	cmd.Flags().StringToStringVar(&values, "value", nil, "key=value answers")
	return cmd
}

func taskWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task_id>",
		Short: "Stream task status until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rpcClient(cmd.Context())
			if err != nil {
				return err
			}
			return watchTask(cmd.Context(), c, args[0])
		},
	}
}

func watchTask(parent context.Context, c *rpc.Client, id string) error {
	ctx, cancel := signalContext(parent)
	defer cancel()
	err := c.Watch(ctx, id, func(s model.TaskSnapshot) error {
		return printSnapshot(s)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()
			c, err := rpcClient(ctx)
			if err != nil {
				return err
			}
			descs, err := c.DiscoverAgents(ctx)
			if err != nil {
				return err
			}
			return printAgents(descs)
		},
	}
}
