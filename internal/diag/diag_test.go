package diag

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/a2a_engine/internal/logging"
)

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(5), r.Total())
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, []int{3, 4, 5}, r.Last(0))
}

func TestRing_PartiallyFilled(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Items())
	assert.Equal(t, 4, r.Cap())
}

func TestRing_Concurrent(t *testing.T) {
	r := NewRing[int](16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push(j)
				_ = r.Items()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, r.Len())
	assert.Equal(t, uint64(800), r.Total())
}

func TestRecorder_RecordAndFilter(t *testing.T) {
	logger, buf := logging.NewBuffer(logging.LevelDebug)
	rec := NewRecorder(10, logger)

	rec.Record(logging.LevelWarn, "processor", "task_1", "resolve retry agent=%s", "Planner")
	rec.Record(logging.LevelInfo, "daemon", "", "config reloaded")
	rec.Record(logging.LevelError, "processor", "task_2", "store update failed")

	assert.Len(t, rec.Recent(0), 3)
	assert.Len(t, rec.ForTask("task_1"), 1)
	assert.Equal(t, "WARN", rec.ForTask("task_1")[0].Level)
	assert.Equal(t, "resolve retry agent=Planner", rec.ForTask("task_1")[0].Message)
	assert.True(t, strings.Contains(buf.String(), "WARN processor: task=task_1 resolve retry agent=Planner"))
}

func TestRecorder_NilSafe(t *testing.T) {
	var rec *Recorder
	rec.Record(logging.LevelInfo, "x", "", "ignored")
}
