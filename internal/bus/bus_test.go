package bus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/a2a_engine/internal/agent"
	"github.com/msageha/a2a_engine/internal/events"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
	yamlutil "github.com/msageha/a2a_engine/internal/yaml"
)

const testTaskID = "task_demo_01JAB3N7Q8X2V5K9M4T6R1C0DE"

func newTestBus(t *testing.T) (*Bus, *agent.Registry) {
	t.Helper()
	reg := agent.NewRegistry()
	b := New(reg, NewDeadLetterSink(16, "", logging.Discard()), logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b, reg
}

func register(t *testing.T, reg *agent.Registry, desc model.AgentDescriptor, fn agent.HandlerFunc) {
	t.Helper()
	require.NoError(t, reg.Register(agent.Func(desc, fn)))
}

func planRequest(t *testing.T, recipient, prompt string) model.Message {
	t.Helper()
	msg, err := model.NewMessage(model.MessageTypePlanRequest, model.ParticipantClient, recipient, testTaskID, model.PlanRequest{Prompt: prompt})
	require.NoError(t, err)
	return msg
}

func waitDelivery(t *testing.T, d *Delivery) ([]model.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.Wait(ctx)
}

func TestBus_DeliversAndCollectsReplies(t *testing.T) {
	b, reg := newTestBus(t)
	register(t, reg, model.AgentDescriptor{Name: "Planner"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		reply, err := model.NewMessage(model.MessageTypePlanReady, "Planner", "CodeGen", msg.TaskID, model.PlanReady{Plan: "one scene"})
		return []model.Message{reply}, err
	})

	d, err := b.Publish(planRequest(t, "Planner", "a cat"))
	require.NoError(t, err)

	replies, err := waitDelivery(t, d)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, model.MessageTypePlanReady, replies[0].Type)
}

func TestBus_UnknownRecipientDeadLettered(t *testing.T) {
	b, _ := newTestBus(t)

	eb := events.NewBus(10)
	defer eb.Close()
	b.SetEventBus(eb)
	got := make(chan events.Event, 1)
	eb.Subscribe(events.EventDeadLetter, func(e events.Event) { got <- e })

	msg := planRequest(t, "Renderer", "x")
	d, err := b.Publish(msg)
	assert.Nil(t, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAgentNotFound))

	dls := b.DeadLetters().List()
	require.Len(t, dls, 1)
	assert.Equal(t, msg.ID, dls[0].Message.ID)
	assert.Equal(t, model.KindAgentNotFound, dls[0].Reason)
	assert.NotEmpty(t, dls[0].ID)

	select {
	case e := <-got:
		assert.Equal(t, "Renderer", e.String("agent"))
		assert.Equal(t, "AgentNotFound", e.String("reason"))
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter event not published")
	}
}

func TestBus_InvalidPayloadDeadLettered(t *testing.T) {
	b, reg := newTestBus(t)
	register(t, reg, model.AgentDescriptor{Name: "CodeGen"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		t.Error("invalid message must not be delivered")
		return nil, nil
	})

	msg, err := model.NewMessage(model.MessageTypePlanReady, "Planner", "CodeGen", testTaskID, model.PlanReady{})
	require.NoError(t, err)

	_, err = b.Publish(msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidMessage))
	require.Len(t, b.DeadLetters().List(), 1)
	assert.Equal(t, model.KindInvalidMessage, b.DeadLetters().List()[0].Reason)
}

func TestBus_RejectsUndeclaredCapability(t *testing.T) {
	b, reg := newTestBus(t)
	register(t, reg, model.AgentDescriptor{Name: "Builder", Capabilities: []model.MessageType{model.MessageTypeCodeReady}},
		func(ctx context.Context, msg model.Message) ([]model.Message, error) { return nil, nil })

	_, err := b.Publish(planRequest(t, "Builder", "x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidMessage))
	assert.Equal(t, uint64(1), b.DeadLetters().Total())
}

func TestBus_FIFOPerRecipient(t *testing.T) {
	b, reg := newTestBus(t)

	var mu sync.Mutex
	var order []string
	register(t, reg, model.AgentDescriptor{Name: "Planner"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		var p model.PlanRequest
		_ = msg.DecodePayload(&p)
		mu.Lock()
		order = append(order, p.Prompt)
		mu.Unlock()
		return nil, nil
	})

	const n = 500
	deliveries := make([]*Delivery, 0, n)
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		prompt := fmt.Sprintf("scene-%03d", i)
		want = append(want, prompt)
		d, err := b.Publish(planRequest(t, "Planner", prompt))
		require.NoError(t, err)
		deliveries = append(deliveries, d)
	}
	for _, d := range deliveries {
		_, err := waitDelivery(t, d)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestBus_OneHandlerCallPerRecipient(t *testing.T) {
	b, reg := newTestBus(t)

	var inFlight, peak atomic.Int32
	register(t, reg, model.AgentDescriptor{Name: "Builder"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil, nil
	})

	var deliveries []*Delivery
	for i := 0; i < 20; i++ {
		d, err := b.Publish(planRequest(t, "Builder", "x"))
		require.NoError(t, err)
		deliveries = append(deliveries, d)
	}
	for _, d := range deliveries {
		_, err := waitDelivery(t, d)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestBus_MaxHandlersAcrossRecipients(t *testing.T) {
	b, reg := newTestBus(t)
	b.SetMaxHandlers(1)

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, name := range []string{"Planner", "CodeGen"} {
		register(t, reg, model.AgentDescriptor{Name: name}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
			started <- msg.Recipient
			<-release
			return nil, nil
		})
	}

	first, err := b.Publish(planRequest(t, "Planner", "x"))
	require.NoError(t, err)
	assert.Equal(t, "Planner", <-started)

	second, err := b.Publish(planRequest(t, "CodeGen", "y"))
	require.NoError(t, err)
	select {
	case name := <-started:
		t.Fatalf("%s started while the only handler slot was taken", name)
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}
	_, err = waitDelivery(t, first)
	require.NoError(t, err)
	assert.Equal(t, "CodeGen", <-started)
	release <- struct{}{}
	_, err = waitDelivery(t, second)
	require.NoError(t, err)
}

func TestBus_HandlerErrorAndPanic(t *testing.T) {
	b, reg := newTestBus(t)
	register(t, reg, model.AgentDescriptor{Name: "Failing"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		return nil, errors.New("model quota exceeded")
	})
	register(t, reg, model.AgentDescriptor{Name: "Panicking"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		panic("nil scene")
	})

	d, err := b.Publish(planRequest(t, "Failing", "x"))
	require.NoError(t, err)
	_, err = waitDelivery(t, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAgentExecution))
	assert.Contains(t, err.Error(), "model quota exceeded")

	d, err = b.Publish(planRequest(t, "Panicking", "x"))
	require.NoError(t, err)
	_, err = waitDelivery(t, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAgentExecution))
	assert.Contains(t, err.Error(), "nil scene")
}

func TestBus_WaitTimeout(t *testing.T) {
	b, reg := newTestBus(t)
	release := make(chan struct{})
	register(t, reg, model.AgentDescriptor{Name: "Slow"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	defer close(release)

	d, err := b.Publish(planRequest(t, "Slow", "x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTimeout))
}

func TestBus_AbandonedWaitFreesMailbox(t *testing.T) {
	b, reg := newTestBus(t)
	register(t, reg, model.AgentDescriptor{Name: "Planner"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		var p model.PlanRequest
		_ = msg.DecodePayload(&p)
		if p.Prompt == "stuck" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	})

	stuck, err := b.Publish(planRequest(t, "Planner", "stuck"))
	require.NoError(t, err)
	next, err := b.Publish(planRequest(t, "Planner", "next"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stuck.Wait(ctx)
	require.ErrorIs(t, err, model.ErrTimeout)

	_, err = waitDelivery(t, next)
	assert.NoError(t, err)
}

func TestBus_SlowAgentDoesNotBlockOthers(t *testing.T) {
	b, reg := newTestBus(t)
	release := make(chan struct{})
	register(t, reg, model.AgentDescriptor{Name: "Slow"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		<-release
		return nil, nil
	})
	register(t, reg, model.AgentDescriptor{Name: "Fast"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		return nil, nil
	})
	defer close(release)

	_, err := b.Publish(planRequest(t, "Slow", "x"))
	require.NoError(t, err)
	d, err := b.Publish(planRequest(t, "Fast", "y"))
	require.NoError(t, err)
	_, err = waitDelivery(t, d)
	assert.NoError(t, err)
}

func TestBus_SubscribeReplacesHandler(t *testing.T) {
	b, reg := newTestBus(t)
	register(t, reg, model.AgentDescriptor{Name: "Planner"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		return nil, errors.New("original")
	})

	unsub, err := b.Subscribe("Planner", func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		return nil, nil
	})
	require.NoError(t, err)

	d, err := b.Publish(planRequest(t, "Planner", "x"))
	require.NoError(t, err)
	_, err = waitDelivery(t, d)
	assert.NoError(t, err)

	unsub()
	d, err = b.Publish(planRequest(t, "Planner", "x"))
	require.NoError(t, err)
	_, err = waitDelivery(t, d)
	assert.Error(t, err)

	_, err = b.Subscribe("Nobody", nil)
	assert.True(t, errors.Is(err, model.ErrAgentNotFound))
}

func TestBus_CloseFailsQueuedAndRejectsNew(t *testing.T) {
	reg := agent.NewRegistry()
	b := New(reg, nil, nil)
	started := make(chan struct{})
	register(t, reg, model.AgentDescriptor{Name: "Builder"}, func(ctx context.Context, msg model.Message) ([]model.Message, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	first, err := b.Publish(planRequest(t, "Builder", "1"))
	require.NoError(t, err)
	<-started
	second, err := b.Publish(planRequest(t, "Builder", "2"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	_, err = waitDelivery(t, first)
	assert.Error(t, err)
	_, err = waitDelivery(t, second)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Publish(planRequest(t, "Builder", "3"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDeadLetterSink_ArchivesYAML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dead_letters")
	sink := NewDeadLetterSink(4, dir, logging.Discard())

	msg := planRequest(t, "Ghost", "boo")
	dl := sink.Record(msg, model.KindAgentNotFound, "recipient not registered")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.NoError(t, yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeDeadLetter))

	var doc map[string]any
	require.NoError(t, yamlutil.ReadFile(filepath.Join(dir, entries[0].Name()), &doc))
	assert.Equal(t, dl.ID, doc["id"])
	assert.Equal(t, "AgentNotFound", doc["reason"])
	assert.Equal(t, "Ghost", doc["recipient"])
	assert.Equal(t, msg.ID, doc["message_id"])
}

func TestDeadLetterSink_Bounded(t *testing.T) {
	sink := NewDeadLetterSink(2, "", nil)
	for i := 0; i < 5; i++ {
		sink.Record(planRequest(t, "Ghost", "x"), model.KindAgentNotFound, "")
	}
	assert.Len(t, sink.List(), 2)
	assert.Equal(t, uint64(5), sink.Total())
}
