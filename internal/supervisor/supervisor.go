// Package supervisor runs at most one synthesis task per connection.
//
// Starting a task supersedes the one before it: the previous task's context
// is cancelled and the new task only begins once the previous one has
// returned, so the output of two tasks never interleaves.
package supervisor

import (
	"context"
	"sync"
)

type task struct {
	id       uint64
	cancel   context.CancelFunc
	done     chan struct{}
	canceled bool
}

type Supervisor struct {
	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	nextID uint64
	cur    *task
	closed bool
	wg     sync.WaitGroup
}

// New returns a Supervisor whose tasks all derive from parent.
func New(parent context.Context) *Supervisor {
	ctx, stop := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, stop: stop}
}

// Start cancels the current task, if any, and schedules fn as the new
// current task. It returns the task id, or 0 once the supervisor is closed.
func (s *Supervisor) Start(fn func(ctx context.Context, id uint64)) uint64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	prev := s.cur
	if prev != nil {
		prev.canceled = true
		prev.cancel()
	}
	s.nextID++
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{id: s.nextID, cancel: cancel, done: make(chan struct{})}
	s.cur = t
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		// Superseded before it got to run.
		if ctx.Err() != nil {
			return
		}
		fn(ctx, t.id)
	}()
	return t.id
}

// Cancel cancels the current task. It reports whether a running task was
// cancelled.
func (s *Supervisor) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	if t == nil || t.canceled {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
	}
	t.canceled = true
	t.cancel()
	return true
}

// IsCurrent reports whether id is the latest task and has not been
// cancelled. A task that finished normally stays current until the next
// Start, so its trailing frames are still delivered.
func (s *Supervisor) IsCurrent(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.id == id && !s.cur.canceled
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close cancels all tasks, waits for them, and rejects further Starts.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cur != nil {
		s.cur.canceled = true
	}
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}
