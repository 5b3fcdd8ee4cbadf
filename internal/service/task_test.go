package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskQueue_LimitsWorkers(t *testing.T) {
	const workers = 3
	q := NewTaskQueue(workers)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := q.Submit(func() {
			defer wg.Done()
			now := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
		assert.NoError(t, err)
	}
	wg.Wait()
	q.Close()
	assert.True(t, peak <= workers, "%v tasks ran at once", peak)
}

func TestTaskQueue_TrySubmit(t *testing.T) {
	q := NewTaskQueue(1)
	release := make(chan struct{})
	ok, err := q.TrySubmit(func() { <-release })
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.TrySubmit(func() {})
	assert.NoError(t, err)
	assert.False(t, ok, "the only worker is busy")

	close(release)
	q.Close()
}

func TestTaskQueue_Close(t *testing.T) {
	q := NewTaskQueue(0)
	var done int32
	for i := 0; i < 5; i++ {
		_ = q.Submit(func() {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}
	q.Close()
	assert.EqualValues(t, 5, atomic.LoadInt32(&done), "Close should wait for accepted tasks")

	assert.Equal(t, ErrServiceShutdown, q.Submit(func() {}))
	_, err := q.TrySubmit(func() {})
	assert.Equal(t, ErrServiceShutdown, err)
}

func TestTaskQueue_SurvivesPanic(t *testing.T) {
	q := NewTaskQueue(1)
	_ = q.Submit(func() { panic("oops") })
	ran := make(chan struct{})
	_ = q.Submit(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Error("queue stopped after a task panicked")
	}
	q.Close()
}
