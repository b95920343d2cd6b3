package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("task_1")
	m.Unlock("task_1")

	m.Lock("task_1")
	m.Unlock("task_1")

	if n := m.Len(); n != 0 {
		t.Errorf("expected idle key to be released, Len()=%d", n)
	}
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("task_1")
	go func() {
		m.Lock("task_2")
		m.Unlock("task_2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task_2 blocked by task_1")
	}
	m.Unlock("task_1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64
	var inside int32

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Error("two writers inside the same key")
			}
			counter++
			atomic.AddInt32(&inside, -1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("expected map to drain, Len()=%d", n)
	}
}

func TestMutexMap_WithLock(t *testing.T) {
	m := NewMutexMap()
	want := errors.New("boom")

	if err := m.WithLock("k", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("WithLock error = %v, want %v", err, want)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("lock not released, Len()=%d", n)
	}
}

func TestMutexMap_UnlockUnknownPanics(t *testing.T) {
	m := NewMutexMap()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on unlock of unknown key")
		}
	}()
	m.Unlock("never-locked")
}

func TestFileLock_TryLockWritesPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, err := ReadOwnerPID(lockPath)
	if err != nil {
		t.Fatalf("ReadOwnerPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", pid, os.Getpid())
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}
