package connect

import (
	"context"
	"sync"
)

// Future is a deferred result that settles exactly once.
type Future[R any] struct {
	mutex     sync.Mutex
	settled   bool
	done      chan struct{}
	result    R
	err       error
	callbacks []func(R, error)
}

func NewFuture[R any]() *Future[R] {
	return &Future[R]{
		done: make(chan struct{}),
	}
}

func ResolvedFuture[R any](result R) *Future[R] {
	future := NewFuture[R]()
	future.Resolve(result)
	return future
}

func RejectedFuture[R any](err error) *Future[R] {
	future := NewFuture[R]()
	future.Reject(err)
	return future
}

// Resolve returns false if the future was already settled.
func (self *Future[R]) Resolve(result R) bool {
	return self.settle(result, nil)
}

// Reject returns false if the future was already settled.
func (self *Future[R]) Reject(err error) bool {
	var zero R
	return self.settle(zero, err)
}

func (self *Future[R]) settle(result R, err error) bool {
	self.mutex.Lock()
	if self.settled {
		self.mutex.Unlock()
		return false
	}
	self.settled = true
	self.result = result
	self.err = err
	callbacks := self.callbacks
	self.callbacks = nil
	close(self.done)
	self.mutex.Unlock()

	for _, callback := range callbacks {
		callback(result, err)
	}
	return true
}

func (self *Future[R]) Done() <-chan struct{} {
	return self.done
}

func (self *Future[R]) IsDone() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles.
func (self *Future[R]) Wait() (R, error) {
	<-self.done
	return self.result, self.err
}

// Result blocks until the future settles or the context is done.
// The context only bounds the wait; it does not cancel the call.
func (self *Future[R]) Result(ctx context.Context) (R, error) {
	select {
	case <-self.done:
		return self.result, self.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// OnSettle runs the callback once the future settles.
// If already settled the callback runs immediately on the calling goroutine.
func (self *Future[R]) OnSettle(callback func(R, error)) {
	self.mutex.Lock()
	if !self.settled {
		self.callbacks = append(self.callbacks, callback)
		self.mutex.Unlock()
		return
	}
	result, err := self.result, self.err
	self.mutex.Unlock()
	callback(result, err)
}

// Forward settles `to` with the result of this future.
func (self *Future[R]) Forward(to *Future[R]) {
	self.OnSettle(func(result R, err error) {
		to.settle(result, err)
	})
}
