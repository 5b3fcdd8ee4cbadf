package service

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrServiceShutdown = errors.New("service is shutting down")

// Task is an opaque unit of work run to completion by a TaskQueue
type Task func()

// TaskQueue runs Tasks on a bounded number of goroutines. Submitting blocks while every worker is busy.
type TaskQueue struct {
	closedM sync.RWMutex
	closed  bool
	// Submit calls that got past the closed check
	submitting sync.WaitGroup

	g errgroup.Group
}

// NewTaskQueue makes a TaskQueue running at most workers Tasks at once. A non-positive workers means no limit.
func NewTaskQueue(workers int) *TaskQueue {
	q := &TaskQueue{}
	if workers > 0 {
		q.g.SetLimit(workers)
	}
	return q
}

func (q *TaskQueue) enter() bool {
	q.closedM.RLock()
	defer q.closedM.RUnlock()
	if q.closed {
		return false
	}
	q.submitting.Add(1)
	return true
}

func (q *TaskQueue) Submit(task Task) error {
	if !q.enter() {
		return ErrServiceShutdown
	}
	defer q.submitting.Done()
	q.g.Go(run(task))
	return nil
}

// TrySubmit is Submit without blocking. It returns false if every worker is busy.
func (q *TaskQueue) TrySubmit(task Task) (bool, error) {
	if !q.enter() {
		return false, ErrServiceShutdown
	}
	defer q.submitting.Done()
	return q.g.TryGo(run(task)), nil
}

func run(task Task) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("task panicked: %v", r)
			}
		}()
		task()
		return nil
	}
}

// Close refuses further Tasks and waits for the accepted ones to finish
func (q *TaskQueue) Close() {
	q.closedM.Lock()
	q.closed = true
	q.closedM.Unlock()
	q.submitting.Wait()
	_ = q.g.Wait()
}
