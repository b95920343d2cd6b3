package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/daemon"
	"github.com/msageha/a2a_engine/internal/diag"
	"github.com/msageha/a2a_engine/internal/model"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateString(s model.TaskState) string {
	switch s {
	case model.TaskStateCompleted:
		return color.GreenString(string(s))
	case model.TaskStateFailed:
		return color.RedString(string(s))
	case model.TaskStateCanceled:
		return color.HiBlackString(string(s))
	case model.TaskStateInputRequired:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func printTask(t *model.Task) error {
	if jsonOutput {
		return printJSON(t)
	}
	fmt.Printf("%s %s  project=%s steps=%d\n", color.New(color.Bold).Sprint(t.ID), stateString(t.State), t.ProjectID, t.Steps)
	if t.Reason != "" {
		fmt.Printf("  reason:   %s (%s)\n", t.Reason, t.ErrorKind)
	}
	if t.AwaitingAgent != "" {
		fmt.Printf("  awaiting: %s\n", t.AwaitingAgent)
	}
	for _, m := range t.Pending {
		fmt.Printf("  pending:  %s %s -> %s\n", m.Type, m.Sender, m.Recipient)
	}
	for _, h := range t.History {
		m := h.Message
		fmt.Printf("  %s %-18s %s -> %s\n", color.HiBlackString(h.Timestamp.Format(time.TimeOnly)), m.Type, m.Sender, m.Recipient)
	}
	printArtifacts(t.Artifacts)
	return nil
}

func printArtifacts(artifacts map[string]json.RawMessage) {
	if len(artifacts) == 0 {
		return
	}
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	fmt.Println("  artifacts:")
	for _, k := range keys {
		v := string(artifacts[k])
		if len(v) > 100 {
			v = v[:100] + "..."
		}
		fmt.Printf("    %-10s %s\n", k, v)
	}
}

func printSnapshot(s model.TaskSnapshot) error {
	if jsonOutput {
		return printJSON(s)
	}
	line := fmt.Sprintf("%s %s", color.HiBlackString(s.UpdatedAt.Format(time.TimeOnly)), stateString(s.State))
	if n := len(s.HistoryTail); n > 0 {
		m := s.HistoryTail[n-1].Message
		line += fmt.Sprintf("  last=%s %s -> %s", m.Type, m.Sender, m.Recipient)
	}
	if s.Reason != "" {
		line += "  reason=" + s.Reason
	}
	fmt.Println(line)
	if s.IsTerminal() {
		printArtifacts(s.Artifacts)
	}
	return nil
}

func printAgents(descs []model.AgentDescriptor) error {
	if jsonOutput {
		return printJSON(descs)
	}
	for _, d := range descs {
		caps := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = string(c)
		}
		version := d.Version
		if version == "" {
			version = "-"
		}
		fmt.Printf("%-12s %-24s %-8s %s\n",
			color.New(color.Bold).Sprint(d.Name), d.DisplayName, version, strings.Join(caps, ","))
	}
	return nil
}

func printStatus(st daemon.StatusInfo) error {
	if jsonOutput {
		return printJSON(st)
	}
	ready := color.RedString("not ready")
	if st.Ready {
		ready = color.GreenString("ready")
	}
	fmt.Printf("%s\n", color.CyanString("Engine Status"))
	fmt.Printf("  State:    %s (pid %d, up %s)\n", ready, st.PID, time.Duration(st.UptimeSec)*time.Second)
	fmt.Printf("  Listen:   %s\n", st.Listen)
	fmt.Printf("  Store:    %s\n", st.Store)
	fmt.Printf("  Agents:   %d\n", st.Agents)
	fmt.Printf("  Active:   %d\n", st.ActiveTasks)

	states := make([]string, 0, len(st.Tasks))
	for s := range st.Tasks {
		states = append(states, string(s))
	}
	slices.Sort(states)
	for _, s := range states {
		fmt.Printf("    %-16s %d\n", stateString(model.TaskState(s)), st.Tasks[model.TaskState(s)])
	}

	fmt.Printf("  Dead letters: %d  Diagnostics: %d  Coalesced: %d  Dropped events: %d\n",
		st.DeadLetters, st.Diagnostics, st.Coalesced, st.DroppedEvents)
	return nil
}

func printDiagnostics(entries []diag.Entry) error {
	if jsonOutput {
		return printJSON(entries)
	}
	for _, e := range entries {
		level := e.Level
		switch level {
		case "ERROR":
			level = color.RedString(level)
		case "WARN":
			level = color.YellowString(level)
		}
		fmt.Printf("%s %-5s %-10s %s %s\n", color.HiBlackString(e.Time.Format(time.DateTime)), level, e.Component, e.TaskID, e.Message)
	}
	return nil
}

func printDeadLetters(dead []bus.DeadLetter) error {
	if jsonOutput {
		return printJSON(dead)
	}
	for _, dl := range dead {
		fmt.Printf("%s %s %s %s -> %s task=%s\n", color.HiBlackString(dl.At.Format(time.DateTime)),
			color.RedString(string(dl.Reason)), dl.Message.Type, dl.Message.Sender, dl.Message.Recipient, dl.Message.TaskID)
		if dl.Detail != "" {
			fmt.Printf("    %s\n", dl.Detail)
		}
	}
	return nil
}
