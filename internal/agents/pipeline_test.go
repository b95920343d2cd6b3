package agents_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/agents"
	"github.com/msageha/a2a_engine/internal/bus"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/manager"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/processor"
	"github.com/msageha/a2a_engine/internal/store"
	"github.com/msageha/a2a_engine/internal/stream"
)

func engine(t *testing.T, cfgs []model.AgentConfig, pipeline model.PipelineConfig) (*manager.Manager, store.Store) {
	t.Helper()
	st := store.NewMemory()
	reg := agent.NewRegistry()
	b := bus.New(reg, bus.NewDeadLetterSink(16, "", nil), logging.Discard())
	streamer := stream.New()
	proc := processor.New(st, reg, b, streamer, processor.Config{
		AgentTimeout:   2 * time.Second,
		ResolveBackoff: time.Millisecond,
	}, logging.Discard())
	mgr := manager.New(st, proc, reg, streamer, manager.Config{CreateWait: 10 * time.Millisecond}, logging.Discard())

	built, err := agents.Build(cfgs, agents.Deps{Tasks: st, Pipeline: pipeline})
	require.NoError(t, err)
	for _, a := range built {
		require.NoError(t, reg.Register(a))
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = proc.Shutdown(ctx)
		_ = b.Close(ctx)
		streamer.Close()
	})
	return mgr, st
}

func waitTerminal(t *testing.T, st store.Store, id string) *model.Task {
	t.Helper()
	var got *model.Task
	require.Eventually(t, func() bool {
		tk, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.IsTerminal()
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func types(task *model.Task) []model.MessageType {
	var out []model.MessageType
	for _, h := range task.History {
		out = append(out, h.Message.Type)
	}
	return out
}

func TestPipeline_RevisesThenCompletes(t *testing.T) {
	mgr, st := engine(t, agents.DefaultConfigs(), model.PipelineConfig{MaxRevisions: 2, PassScore: 0.7})

	task, err := mgr.CreateTask(context.Background(), manager.CreateParams{ProjectID: "p1", Prompt: "A fox runs. Snow falls.", DurationSec: 10})
	require.NoError(t, err)

	done := waitTerminal(t, st, task.ID)
	require.Equal(t, model.TaskStateCompleted, done.State, "reason: %s", done.Reason)
	assert.Equal(t, []model.MessageType{
		model.MessageTypePlanRequest,
		model.MessageTypePlanReady,
		model.MessageTypeCodeReady,
		model.MessageTypeBuildReady,
		model.MessageTypeEvaluationReady,
		model.MessageTypeCodeReady,
		model.MessageTypeBuildReady,
		model.MessageTypeTaskComplete,
	}, types(done))
	for _, name := range []string{model.ArtifactPlan, model.ArtifactCode, model.ArtifactBuild, model.ArtifactEvaluation, model.ArtifactResult} {
		assert.Contains(t, done.Artifacts, name)
	}
}

func TestPipeline_BlankPromptWaitsForInput(t *testing.T) {
	mgr, st := engine(t, agents.DefaultConfigs(), model.PipelineConfig{MaxRevisions: 0, PassScore: 0.5})
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, manager.CreateParams{ProjectID: "p1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, err := st.Get(ctx, task.ID)
		return err == nil && tk.State == model.TaskStateInputRequired
	}, 3*time.Second, 5*time.Millisecond)

	_, err = mgr.SubmitTaskInput(ctx, task.ID, model.InputResponse{Answer: "a lighthouse at dusk"})
	require.NoError(t, err)

	done := waitTerminal(t, st, task.ID)
	assert.Equal(t, model.TaskStateCompleted, done.State)
	assert.Equal(t, model.MessageTypeInputRequired, done.History[1].Message.Type)
	assert.Equal(t, model.MessageTypeInputResponse, done.History[2].Message.Type)
}

func TestPipeline_MissingCodeGenFailsTask(t *testing.T) {
	cfgs := []model.AgentConfig{{Kind: agents.KindPlanner}, {Kind: agents.KindBuilder}, {Kind: agents.KindEvaluator}}
	mgr, st := engine(t, cfgs, model.PipelineConfig{})

	task, err := mgr.CreateTask(context.Background(), manager.CreateParams{ProjectID: "p1", Prompt: "a cat"})
	require.NoError(t, err)

	done := waitTerminal(t, st, task.ID)
	assert.Equal(t, model.TaskStateFailed, done.State)
	assert.Equal(t, model.KindAgentNotFound, done.ErrorKind)
	assert.Contains(t, done.Reason, "CodeGen")
}
