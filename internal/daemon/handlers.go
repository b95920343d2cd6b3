package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/diag"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/store"
	"github.com/msageha/a2a_engine/internal/uds"
)

// StatusInfo is the payload of the status admin command.
type StatusInfo struct {
	PID             int                     `json:"pid"`
	StartedAt       time.Time               `json:"startedAt"`
	UptimeSec       int64                   `json:"uptimeSec"`
	Listen          string                  `json:"listen"`
	Ready           bool                    `json:"ready"`
	Store           string                  `json:"store"`
	Agents          int                     `json:"agents"`
	ActiveTasks     int                     `json:"activeTasks"`
	Tasks           map[model.TaskState]int `json:"tasks"`
	PendingMessages map[string]int          `json:"pendingMessages,omitempty"`
	DeadLetters     uint64                  `json:"deadLetters"`
	Diagnostics     uint64                  `json:"diagnostics"`
	Coalesced       uint64                  `json:"coalescedSnapshots"`
	DroppedEvents   uint64                  `json:"droppedEvents"`
}

// ListParams filters the diagnostics and dead_letters commands.
type ListParams struct {
	TaskID string `json:"taskId,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

const defaultListLimit = 50

func (d *Daemon) registerHandlers() {
	d.admin.Handle(uds.CmdPing, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.admin.Handle(uds.CmdStatus, d.handleStatus)
	d.admin.Handle(uds.CmdAgents, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.registry.List())
	})
	d.admin.Handle(uds.CmdDiagnostics, d.handleDiagnostics)
	d.admin.Handle(uds.CmdDeadLetters, d.handleDeadLetters)
	d.admin.Handle(uds.CmdReload, func(ctx context.Context, req *uds.Request) *uds.Response {
		res, err := d.reload()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		return uds.SuccessResponse(res)
	})
	d.admin.Handle(uds.CmdShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.logger.With("daemon").Infof("shutdown requested via admin socket")
		// Cancelling wakes Run, which performs the shutdown.
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(ctx context.Context, req *uds.Request) *uds.Response {
	tasks, err := d.store.List(ctx, store.Filter{})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("list tasks: %v", err))
	}
	counts := make(map[model.TaskState]int)
	for _, t := range tasks {
		counts[t.State]++
	}

	cfg := d.currentConfig()
	storeDesc := cfg.Store.Driver
	if s, ok := d.store.(*store.SQLite); ok {
		storeDesc += ":" + s.Path()
	}

	return uds.SuccessResponse(StatusInfo{
		PID:             os.Getpid(),
		StartedAt:       d.startedAt.UTC(),
		UptimeSec:       int64(time.Since(d.startedAt).Seconds()),
		Listen:          d.Addr(),
		Ready:           d.rpc.Ready(),
		Store:           storeDesc,
		Agents:          d.registry.Len(),
		ActiveTasks:     d.processor.ActiveCount(),
		Tasks:           counts,
		PendingMessages: d.bus.Pending(),
		DeadLetters:     d.bus.DeadLetters().Total(),
		Diagnostics:     d.diag.Total(),
		Coalesced:       d.streamer.Coalesced(),
		DroppedEvents:   d.eventBus.Dropped(),
	})
}

func listParams(req *uds.Request) (ListParams, error) {
	var p ListParams
	if err := req.DecodeParams(&p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	return p, nil
}

func (d *Daemon) handleDiagnostics(ctx context.Context, req *uds.Request) *uds.Response {
	p, err := listParams(req)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	var entries []diag.Entry
	if p.TaskID != "" {
		entries = d.diag.ForTask(p.TaskID)
	} else {
		entries = d.diag.Recent(p.Limit)
	}
	return uds.SuccessResponse(tail(entries, p.Limit))
}

func (d *Daemon) handleDeadLetters(ctx context.Context, req *uds.Request) *uds.Response {
	p, err := listParams(req)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	var out []bus.DeadLetter
	for _, dl := range d.bus.DeadLetters().List() {
		if p.TaskID == "" || dl.Message.TaskID == p.TaskID {
			out = append(out, dl)
		}
	}
	return uds.SuccessResponse(tail(out, p.Limit))
}

func tail[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[len(items)-n:]
	}
	if items == nil {
		items = []T{}
	}
	return items
}
