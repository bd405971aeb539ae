package connect

import (
	"sync"
)

// StreamItem is one event of a stream: a value, the end marker, or an error.
type StreamItem struct {
	Value any
	End   bool
	Err   error
}

// Stream is an action result that produces items over time.
// Items sent before the server subscribes are buffered and delivered in order.
// After `End`, `Fail` or an abort, further items are dropped.
type Stream struct {
	// serializes delivery to the subscriber
	deliverLock sync.Mutex

	stateLock  sync.Mutex
	buffer     []StreamItem
	subscriber func(StreamItem)
	finished   bool
	aborted    bool
	done       chan struct{}

	abortCallbacks *CallbackList[func()]
}

func NewStream() *Stream {
	return &Stream{
		done:           make(chan struct{}),
		abortCallbacks: NewCallbackList[func()](),
	}
}

// Send returns false if the stream is already finished.
func (self *Stream) Send(value any) bool {
	return self.emit(StreamItem{Value: value})
}

func (self *Stream) End() bool {
	return self.emit(StreamItem{End: true})
}

func (self *Stream) Fail(err error) bool {
	return self.emit(StreamItem{Err: err})
}

func (self *Stream) emit(item StreamItem) bool {
	self.deliverLock.Lock()
	defer self.deliverLock.Unlock()

	self.stateLock.Lock()
	if self.finished {
		self.stateLock.Unlock()
		return false
	}
	if item.End || item.Err != nil {
		self.finish()
	}
	subscriber := self.subscriber
	if subscriber == nil {
		self.buffer = append(self.buffer, item)
		self.stateLock.Unlock()
		return true
	}
	self.stateLock.Unlock()

	subscriber(item)
	return true
}

// state lock must be held
func (self *Stream) finish() {
	if !self.finished {
		self.finished = true
		close(self.done)
	}
}

// OnAbort registers a callback for when the consumer aborts the stream.
func (self *Stream) OnAbort(callback func()) func() {
	return self.abortCallbacks.Add(callback)
}

// Done is closed when the stream ends, fails or is aborted.
func (self *Stream) Done() <-chan struct{} {
	return self.done
}

func (self *Stream) Aborted() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.aborted
}

func (self *Stream) subscribe(subscriber func(StreamItem)) {
	self.deliverLock.Lock()
	defer self.deliverLock.Unlock()

	self.stateLock.Lock()
	buffer := self.buffer
	self.buffer = nil
	self.subscriber = subscriber
	self.stateLock.Unlock()

	for _, item := range buffer {
		subscriber(item)
	}
}

// may be called from the subscriber
func (self *Stream) unsubscribe() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscriber = nil
	self.buffer = nil
}

func (self *Stream) abort() {
	self.stateLock.Lock()
	if self.finished {
		self.stateLock.Unlock()
		return
	}
	self.aborted = true
	self.finish()
	self.stateLock.Unlock()

	for _, callback := range self.abortCallbacks.Get() {
		HandleError(callback)
	}
}
