package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/a2a_engine/internal/manager"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/rpc"
	"github.com/msageha/a2a_engine/internal/store"
	"github.com/msageha/a2a_engine/internal/uds"
)

const testConfig = `
server:
  listen: 127.0.0.1:0
  create_wait_ms: 20
store:
  driver: %s
logging:
  level: debug
daemon:
  shutdown_timeout_sec: 5
  watch_config: %s
pipeline:
  max_revisions: 1
  pass_score: 0.7
`

// baseDir returns a short runtime directory; unix socket paths are
// length-limited.
func baseDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "a2a-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeConfig(t *testing.T, dir, content string) model.Config {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	cfg, err := model.LoadConfig(dir)
	require.NoError(t, err)
	return cfg
}

func configText(driver, watch, extra string) string {
	return fmt.Sprintf(testConfig, driver, watch) + extra
}

type running struct {
	d    *Daemon
	done chan error
	logs *bytes.Buffer
}

func start(t *testing.T, dir string, cfg model.Config) *running {
	t.Helper()
	var buf bytes.Buffer
	d := newDaemon(dir, cfg, &buf, nil)
	r := &running{d: d, done: make(chan error, 1), logs: &buf}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	select {
	case <-d.Ready():
	case err := <-r.done:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	return r
}

func (r *running) admin() *uds.Client {
	c := uds.NewClient(r.d.SocketPath())
	c.SetTimeout(5 * time.Second)
	return c
}

func (r *running) client() *rpc.Client {
	return rpc.NewClient(r.d.Addr(), nil)
}

func TestDaemon_ServesTasksEndToEnd(t *testing.T) {
	dir := baseDir(t)
	r := start(t, dir, writeConfig(t, dir, configText("sqlite", "false", "")))
	ctx := context.Background()

	task, err := r.client().CreateTask(ctx, manager.CreateParams{ProjectID: "p1", Prompt: "A boat. A storm."})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := r.client().GetTask(ctx, task.ID)
		return err == nil && got.State == model.TaskStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	agents, err := r.client().DiscoverAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 4)

	var status StatusInfo
	require.NoError(t, r.admin().Call(ctx, uds.CmdStatus, nil, &status))
	assert.True(t, status.Ready)
	assert.Equal(t, 4, status.Agents)
	assert.Equal(t, 1, status.Tasks[model.TaskStateCompleted])
	assert.True(t, strings.HasPrefix(status.Store, "sqlite:"), status.Store)

	_, err = os.Stat(filepath.Join(dir, "logs", auditLogName))
	assert.NoError(t, err)
}

func TestDaemon_AdminCommands(t *testing.T) {
	dir := baseDir(t)
	extra := `
agents:
  - kind: planner
  - kind: builder
  - kind: evaluator
`
	r := start(t, dir, writeConfig(t, dir, configText("memory", "false", extra)))
	ctx := context.Background()
	admin := r.admin()

	require.NoError(t, admin.Call(ctx, uds.CmdPing, nil, nil))

	var descs []model.AgentDescriptor
	require.NoError(t, admin.Call(ctx, uds.CmdAgents, nil, &descs))
	assert.Len(t, descs, 3)

	// Without CodeGen the plan handoff is dead-lettered and the task fails.
	task, err := r.client().CreateTask(ctx, manager.CreateParams{ProjectID: "p1", Prompt: "x"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := r.client().GetTask(ctx, task.ID)
		return err == nil && got.State == model.TaskStateFailed
	}, 5*time.Second, 10*time.Millisecond)

	var dead []map[string]any
	require.NoError(t, admin.Call(ctx, uds.CmdDeadLetters, ListParams{TaskID: task.ID}, &dead))
	assert.NotEmpty(t, dead)

	var entries []map[string]any
	require.NoError(t, admin.Call(ctx, uds.CmdDiagnostics, ListParams{TaskID: task.ID}, &entries))
	assert.NotEmpty(t, entries)

	// Restore the full pipeline through an explicit reload.
	writeConfig(t, dir, configText("memory", "false", ""))
	var res ReloadResult
	require.NoError(t, admin.Call(ctx, uds.CmdReload, nil, &res))
	assert.Contains(t, res.Registered, "CodeGen")
	assert.Len(t, res.Registered, 4)
	assert.Empty(t, res.Removed)
}

func TestDaemon_ReloadRemovesAgents(t *testing.T) {
	dir := baseDir(t)
	r := start(t, dir, writeConfig(t, dir, configText("memory", "false", "")))
	ctx := context.Background()

	writeConfig(t, dir, configText("memory", "false", "agents:\n  - kind: planner\n    name: Storyboarder\n"))
	var res ReloadResult
	require.NoError(t, r.admin().Call(ctx, uds.CmdReload, nil, &res))
	assert.Equal(t, []string{"Storyboarder"}, res.Registered)
	assert.ElementsMatch(t, []string{"Planner", "CodeGen", "Builder", "Evaluator"}, res.Removed)
}

func TestDaemon_ReloadRejectsInvalidConfig(t *testing.T) {
	dir := baseDir(t)
	r := start(t, dir, writeConfig(t, dir, configText("memory", "false", "")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("agents:\n  - kind: \"\"\n"), 0o644))
	err := r.admin().Call(context.Background(), uds.CmdReload, nil, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	var descs []model.AgentDescriptor
	require.NoError(t, r.admin().Call(context.Background(), uds.CmdAgents, nil, &descs))
	assert.Len(t, descs, 4, "a rejected reload leaves the registry unchanged")
}

func TestDaemon_WatchConfigReloads(t *testing.T) {
	dir := baseDir(t)
	r := start(t, dir, writeConfig(t, dir, configText("memory", "true", "")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte(configText("memory", "true", "agents:\n  - kind: planner\n")), 0o644))

	require.Eventually(t, func() bool {
		var descs []model.AgentDescriptor
		if err := r.admin().Call(context.Background(), uds.CmdAgents, nil, &descs); err != nil {
			return false
		}
		return len(descs) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_ShutdownCommand(t *testing.T) {
	dir := baseDir(t)
	r := start(t, dir, writeConfig(t, dir, configText("memory", "false", "")))

	require.NoError(t, r.admin().Call(context.Background(), uds.CmdShutdown, nil, nil))

	select {
	case err := <-r.done:
		assert.NoError(t, err)
		r.done <- err
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}
	_, err := os.Stat(r.d.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket removed")
	_, err = os.Stat(filepath.Join(dir, lockFileName))
	assert.True(t, os.IsNotExist(err), "lock released")
}

func TestDaemon_SingleInstance(t *testing.T) {
	dir := baseDir(t)
	cfg := writeConfig(t, dir, configText("memory", "false", ""))
	start(t, dir, cfg)

	second := newDaemon(dir, cfg, &bytes.Buffer{}, nil)
	err := second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_RecoversInterruptedTasks(t *testing.T) {
	dir := baseDir(t)
	cfg := writeConfig(t, dir, configText("sqlite", "false", ""))

	// Leave a working task behind as a crashed daemon would.
	st, err := store.Open(cfg.Store, dir)
	require.NoError(t, err)
	task, err := model.NewTask("p1", "")
	require.NoError(t, err)
	seed, err := model.NewMessage(model.MessageTypePlanRequest, model.ParticipantClient, "Planner", task.ID, model.PlanRequest{Prompt: "x"})
	require.NoError(t, err)
	task.AppendHistory(seed)
	require.NoError(t, task.Transition(model.TaskStateWorking, ""))
	_, err = st.Create(context.Background(), task)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	r := start(t, dir, cfg)
	got, err := r.client().GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, got.State)
	assert.Equal(t, model.KindInternal, got.ErrorKind)
}

func TestDaemon_QualityRulesGateEvaluation(t *testing.T) {
	dir := baseDir(t)
	rules := `
schema_version: "1.0.0"
rules:
  - id: feature-length
    message: video must run at least a minute
    severity: critical
    condition:
      field: durationSec
      operator: gte
      value: 60
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rules), 0o644))
	cfg := writeConfig(t, dir, configText("memory", "false", "")+"  quality_rules: rules.yaml\n")
	require.Equal(t, "rules.yaml", cfg.Pipeline.QualityRules)

	r := start(t, dir, cfg)
	ctx := context.Background()
	task, err := r.client().CreateTask(ctx, manager.CreateParams{ProjectID: "p1", Prompt: "A boat."})
	require.NoError(t, err)

	var done *model.Task
	require.Eventually(t, func() bool {
		done, err = r.client().GetTask(ctx, task.ID)
		return err == nil && done.State == model.TaskStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	result := string(done.Artifacts[model.ArtifactResult])
	assert.Contains(t, result, `"score":"0.00"`)
	assert.Contains(t, result, "below pass score")
}

func TestDaemon_MissingQualityRulesFailsStart(t *testing.T) {
	dir := baseDir(t)
	cfg := writeConfig(t, dir, configText("memory", "false", "")+"  quality_rules: missing.yaml\n")

	d := newDaemon(dir, cfg, &bytes.Buffer{}, nil)
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality rules")
}
