package connect

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// callbacks are invoked from a snapshot, so a callback may add or remove callbacks
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// Add returns a function that removes the callback. Remove is idempotent.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1

	nextIds := slices.Clone(self.ids)
	nextIds = append(nextIds, id)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.ids = nextIds
	self.callbacks = nextCallbacks

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, id)
	if i < 0 {
		// not present
		return
	}
	self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.ids = nil
	self.callbacks = nil
}

// Event is a typed publish/subscribe channel.
type Event[T any] struct {
	callbacks CallbackList[func(T)]
}

func NewEvent[T any]() *Event[T] {
	return &Event[T]{}
}

// Subscribe returns the unsubscribe handle.
func (self *Event[T]) Subscribe(callback func(T)) func() {
	return self.callbacks.Add(callback)
}

// Publish returns the number of subscribers that received the value.
func (self *Event[T]) Publish(value T) int {
	callbacks := self.callbacks.Get()
	for _, callback := range callbacks {
		HandleError(func() {
			callback(value)
		})
	}
	return len(callbacks)
}

func (self *Event[T]) SubscriberCount() int {
	return self.callbacks.Len()
}
