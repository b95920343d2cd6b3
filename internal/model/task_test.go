package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task, err := NewTask("proj-1", "key-1")
	require.NoError(t, err)

	assert.True(t, ValidateID(task.ID))
	assert.True(t, strings.HasPrefix(task.ID, "task_proj-1_"), task.ID)
	assert.Equal(t, TaskStateSubmitted, task.State)
	assert.Equal(t, "proj-1", task.ProjectID)
	assert.Equal(t, "key-1", task.IdempotencyKey)
	assert.Empty(t, task.History)
	assert.NotNil(t, task.Artifacts)
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)
}

func TestTask_TransitionStampsUpdatedAt(t *testing.T) {
	task, err := NewTask("p", "")
	require.NoError(t, err)
	before := task.UpdatedAt

	require.NoError(t, task.Transition(TaskStateWorking, ""))
	assert.Equal(t, TaskStateWorking, task.State)
	assert.False(t, task.UpdatedAt.Before(before))

	task.AwaitingAgent = "Planner"
	require.NoError(t, task.Transition(TaskStateInputRequired, ""))
	assert.Equal(t, "Planner", task.AwaitingAgent)
	require.NoError(t, task.Transition(TaskStateWorking, ""))
	assert.Empty(t, task.AwaitingAgent)
}

func TestTask_TerminalIsFinal(t *testing.T) {
	task, err := NewTask("p", "")
	require.NoError(t, err)
	require.NoError(t, task.Transition(TaskStateCanceled, "user request"))

	err = task.Transition(TaskStateWorking, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, TaskStateCanceled, task.State)
}

func TestTask_FailRecordsErrorArtifact(t *testing.T) {
	task, err := NewTask("p", "")
	require.NoError(t, err)
	require.NoError(t, task.Transition(TaskStateWorking, ""))

	require.NoError(t, task.Fail(KindAgentNotFound, "agent not found: Renderer"))
	assert.Equal(t, TaskStateFailed, task.State)
	assert.Equal(t, KindAgentNotFound, task.ErrorKind)
	assert.Equal(t, "agent not found: Renderer", task.Reason)
	assert.JSONEq(t, `{"error":"agent not found: Renderer","code":"AgentNotFound"}`, string(task.Artifacts[ArtifactError]))
}

func TestTask_CloneIsIndependent(t *testing.T) {
	task, err := NewTask("p", "")
	require.NoError(t, err)
	msg, err := NewMessage(MessageTypePlanRequest, ParticipantClient, "Planner", task.ID, PlanRequest{Prompt: "a"})
	require.NoError(t, err)
	task.AppendHistory(msg)
	task.SetArtifact("plan", []byte(`{"plan":"x"}`))

	task.Pending = []Message{msg}

	clone := task.Clone()
	clone.AppendHistory(msg)
	clone.SetArtifact("code", []byte(`{"code":"y"}`))
	clone.Pending[0].Recipient = "CodeGen"

	assert.Len(t, task.History, 1)
	assert.Len(t, clone.History, 2)
	assert.NotContains(t, task.Artifacts, "code")
	assert.Equal(t, "Planner", task.Pending[0].Recipient)
}

func TestTask_TerminalDropsPending(t *testing.T) {
	task, err := NewTask("p", "")
	require.NoError(t, err)
	msg, err := NewMessage(MessageTypePlanReady, "Planner", "CodeGen", task.ID, PlanReady{Plan: "p"})
	require.NoError(t, err)
	require.NoError(t, task.Transition(TaskStateWorking, ""))
	require.NoError(t, task.Transition(TaskStateInputRequired, ""))
	task.Pending = []Message{msg}

	require.NoError(t, task.Transition(TaskStateCanceled, "user request"))
	assert.Nil(t, task.Pending)
}

func TestTask_SnapshotTail(t *testing.T) {
	task, err := NewTask("p", "")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		msg, err := NewMessage(MessageTypeInputResponse, ParticipantClient, "Planner", task.ID, InputResponse{Answer: fmt.Sprint(i)})
		require.NoError(t, err)
		task.AppendHistory(msg)
	}

	snap := task.Snapshot(0)
	require.Len(t, snap.HistoryTail, DefaultHistoryTail)
	assert.Equal(t, task.History[3].Message.ID, snap.HistoryTail[0].Message.ID)
	assert.Equal(t, task.History[7].Message.ID, snap.HistoryTail[4].Message.ID)

	snap = task.Snapshot(20)
	assert.Len(t, snap.HistoryTail, 8)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{fmt.Errorf("get: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("dispatch: %w", ErrAgentNotFound), KindAgentNotFound},
		{ErrTimeout, KindTimeout},
		{&ValidationErrors{Errors: []ValidationError{{FieldPath: "projectId", Message: "is required"}}}, KindInvalidParams},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "Kind(%v)", tt.err)
	}
}
