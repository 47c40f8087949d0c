package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrExecutionNil = errors.New("execution is nil")

// Execution represents a single in-flight generation.
//
// It is cancelable and waitable; the underlying stream is always driven by
// context cancellation.
type Execution struct {
	done chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
}

func newExecution(cancel context.CancelFunc) *Execution {
	return &Execution{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (e *Execution) finish(err error) {
	e.mu.Lock()
	e.err = err
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	close(e.done)
	e.mu.Unlock()
}

// Cancel signals the generation's cancellation token. Safe to call multiple
// times and after completion.
func (e *Execution) Cancel() {
	if e == nil {
		return
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the generation reaches a terminal state. A cancelled
// generation reports context.Canceled.
func (e *Execution) Wait() error {
	if e == nil {
		return ErrExecutionNil
	}
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// IsRunning reports whether the generation is still in flight.
func (e *Execution) IsRunning() bool {
	if e == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}
