package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/bringyour/sockrpc/protocol"
)

// the client has one socket, which is reconnected with backoff while a connection is desired
// calls are correlated by request id. Calls made while the socket is dialing wait in
// the after connected queue. Calls made with `SendAfterAuthed` wait in the after authed queue.
//
// lock order is `sendLock` then `stateLock`.
// Futures and callbacks are never settled or called while holding either lock.

// StreamFunction receives each item of a streaming call.
type StreamFunction func(item json.RawMessage)

type OpenFunction func(event *OpenEvent)

type CloseFunction func()

type ErrorFunction func(err error)

// MessageFunction receives unsolicited pushes from the server.
type MessageFunction func(channel int, data json.RawMessage)

type ClientSettings struct {
	// the handshake frame must arrive within this timeout of starting to dial
	ConnectionTimeout time.Duration
	BaseRetryTimeout  time.Duration
	MaxRetryExponent  int
	// backoff jitter in [0, 1)
	Random func() float64

	Dialer Dialer
	// nil is always online
	Reachability Reachability
	// nil keeps the device in memory
	DeviceStore DeviceStore
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ConnectionTimeout: 5 * time.Second,
		BaseRetryTimeout:  1 * time.Second,
		MaxRetryExponent:  4,
		Random:            mathrand.Float64,
		Dialer:            NewWsDialerWithDefaults(),
	}
}

// OpenEvent is passed to open callbacks when the handshake frame arrives.
// The connection is not marked connected until every `WaitUntil` function returns.
type OpenEvent struct {
	ctx   context.Context
	group *errgroup.Group
}

// WaitUntil delays the connected state until `do` returns.
// An error from `do` closes the connection.
// `ctx` is canceled when the connection closes or another `do` fails.
func (self *OpenEvent) WaitUntil(do func(ctx context.Context) error) {
	self.group.Go(func() error {
		return do(self.ctx)
	})
}

type call struct {
	action string
	args   []any
	ctx    context.Context
	onItem StreamFunction
}

// newCall trims trailing nil args, then extracts a trailing `StreamFunction`,
// then a trailing `context.Context`.
func newCall(action string, args []any) *call {
	args = slices.Clone(args)
	for 0 < len(args) && args[len(args)-1] == nil {
		args = args[:len(args)-1]
	}
	c := &call{
		action: action,
	}
	if 0 < len(args) {
		switch v := args[len(args)-1].(type) {
		case StreamFunction:
			c.onItem = v
			args = args[:len(args)-1]
		case func(json.RawMessage):
			c.onItem = v
			args = args[:len(args)-1]
		}
	}
	if 0 < len(args) {
		if ctx, ok := args[len(args)-1].(context.Context); ok {
			c.ctx = ctx
			args = args[:len(args)-1]
		}
	}
	c.args = args
	return c
}

type pendingRequest struct {
	requestId uint64
	action    string
	future    *Future[json.RawMessage]
	onItem    StreamFunction
	// stops watching the call context
	stop func() bool
}

func (self *pendingRequest) stopWatch() bool {
	if self.stop == nil {
		return true
	}
	return self.stop()
}

type queuedRequest struct {
	call   *call
	future *Future[json.RawMessage]
	stop   func() bool
}

func (self *queuedRequest) stopWatch() bool {
	if self.stop == nil {
		return true
	}
	return self.stop()
}

// settleCanceled resolves with no value for a plain cancel, else rejects with the cause
func settleCanceled(future *Future[json.RawMessage], ctx context.Context) {
	cause := context.Cause(ctx)
	if cause == nil || cause == context.Canceled {
		future.Resolve(nil)
	} else {
		future.Reject(cause)
	}
}

// IsAuthResult is true when an auth reply is present and is not `null` or `false`.
func IsAuthResult(result json.RawMessage) bool {
	result = bytes.TrimSpace(result)
	if len(result) == 0 {
		return false
	}
	switch string(result) {
	case "null", "false":
		return false
	default:
		return true
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientSettings

	log      LogFunction
	logDebug LogFunction

	deviceStore             DeviceStore
	unsubscribeReachability func()

	sendLock sync.Mutex

	stateLock sync.Mutex
	state     ConnectionState
	device    Device
	// a connection is desired. Unset by `Disconnect`
	desired bool
	// graceful shutdown in progress
	shuttingDown bool
	closed       bool
	paused       bool
	authed       bool

	// incremented on each connection attempt and each close
	// timers and read loops of an older generation are ignored
	generation       uint64
	socketState      socketState
	socket           Socket
	handshaking      bool
	connectionCtx    context.Context
	connectionCancel context.CancelFunc

	nextRequestId       uint64
	pending             map[uint64]*pendingRequest
	afterConnectedQueue []*queuedRequest
	afterAuthedQueue    []*queuedRequest
	connectWaiters      []*Future[struct{}]

	reconnect       *Reconnect
	reconnectTimer  *time.Timer
	connectionTimer *time.Timer

	stateCallbacks   *CallbackList[StateFunction]
	openCallbacks    *CallbackList[OpenFunction]
	closeCallbacks   *CallbackList[CloseFunction]
	errorCallbacks   *CallbackList[ErrorFunction]
	messageCallbacks *CallbackList[MessageFunction]
}

func NewClientWithDefaults(ctx context.Context, url string) *Client {
	return NewClient(ctx, url, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	deviceStore := settings.DeviceStore
	if deviceStore == nil {
		deviceStore = NewMemoryDeviceStore()
	}
	device, err := LoadOrCreateDevice(deviceStore)
	if err != nil {
		glog.Infof("[c]load device err = %s\n", err)
		device = &Device{
			DeviceId: NewId().String(),
		}
	}

	reachability := settings.Reachability
	if reachability == nil {
		reachability = NewManualReachability(true)
	}
	random := settings.Random
	if random == nil {
		random = mathrand.Float64
	}
	if settings.Dialer == nil {
		settings.Dialer = NewWsDialerWithDefaults()
	}

	client := &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		settings:    settings,
		log:         LogFn(LogLevelInfo, "c"),
		logDebug:    LogFn(LogLevelDebug, "c"),
		deviceStore: deviceStore,
		state: ConnectionState{
			Online:           reachability.Online(),
			ServerTimeOffset: device.ServerTimeOffset,
			DeviceId:         device.DeviceId,
		},
		device:           *device,
		pending:          map[uint64]*pendingRequest{},
		reconnect:        NewReconnectWithRandom(settings.BaseRetryTimeout, settings.MaxRetryExponent, random),
		stateCallbacks:   NewCallbackList[StateFunction](),
		openCallbacks:    NewCallbackList[OpenFunction](),
		closeCallbacks:   NewCallbackList[CloseFunction](),
		errorCallbacks:   NewCallbackList[ErrorFunction](),
		messageCallbacks: NewCallbackList[MessageFunction](),
	}
	client.unsubscribeReachability = reachability.AddReachabilityCallback(client.setOnline)

	go func() {
		<-cancelCtx.Done()
		client.Close()
	}()

	return client
}

// Connect resolves once the handshake completes and open callbacks have settled.
// If a connection attempt is in progress, the returned future joins it.
func (self *Client) Connect() *Future[struct{}] {
	return self.connect(false)
}

func (self *Client) connect(reconnect bool) *Future[struct{}] {
	future := NewFuture[struct{}]()

	var generation uint64
	var connectionCtx context.Context
	dial := false
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return ErrClientClosed
		}
		if reconnect && !self.desired {
			return ErrConnectionClosed
		}
		if !self.state.Online {
			return ErrOffline
		}
		self.desired = true
		self.shuttingDown = false
		self.stopReconnectTimerLocked()

		switch self.socketState {
		case socketConnected:
			future.Resolve(struct{}{})
			return nil
		case socketDialing, socketOpen:
			self.connectWaiters = append(self.connectWaiters, future)
			return nil
		}

		self.generation += 1
		generation = self.generation
		self.connectionCtx, self.connectionCancel = context.WithCancel(self.ctx)
		connectionCtx = self.connectionCtx
		self.socketState = socketDialing
		self.connectWaiters = append(self.connectWaiters, future)
		self.stopConnectionTimerLocked()
		self.connectionTimer = time.AfterFunc(self.settings.ConnectionTimeout, func() {
			self.connectionTimeout(generation)
		})
		dial = true
		return nil
	}()
	if err != nil {
		future.Reject(err)
		return future
	}
	if dial {
		go HandleError(func() {
			self.run(connectionCtx, generation)
		}, func(err error) {
			self.closeSocket(generation, err)
		})
	}
	return future
}

// the timer may fire after the handshake frame stopped it
func (self *Client) connectionTimeout(generation uint64) {
	self.stateLock.Lock()
	var closed *closedSocket
	if self.generation == generation && !self.handshaking {
		switch self.socketState {
		case socketDialing, socketOpen:
			glog.Infof("[c]connection timeout (%s)\n", self.settings.ConnectionTimeout)
			closed = self.closeLocked(generation, ErrConnectionTimeout)
		}
	}
	self.stateLock.Unlock()
	self.finishClose(closed)
}

func (self *Client) run(ctx context.Context, generation uint64) {
	dial := func() (Socket, error) {
		return self.settings.Dialer.Dial(ctx, self.url)
	}
	socket, err := TraceWithReturnError(fmt.Sprintf("[c]dial %s", self.url), dial)
	if err != nil {
		if self.isCurrent(generation) {
			glog.Infof("[c]dial %s err = %s\n", self.url, err)
			self.fireError(err)
		}
		self.closeSocket(generation, err)
		return
	}

	opened := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.generation != generation {
			return false
		}
		self.socket = socket
		self.socketState = socketOpen
		return true
	}()
	if !opened {
		socket.Close()
		return
	}
	self.log("open %s", self.url)

	for {
		_, message, err := socket.ReadMessage()
		if err != nil {
			closeErr := ErrConnectionClosed
			if !IsNormalClose(err) && self.isCurrent(generation) {
				glog.Infof("[c]read err = %s\n", err)
				self.fireError(err)
				closeErr = err
			}
			self.closeSocket(generation, closeErr)
			return
		}
		self.receive(generation, message)
	}
}

// frames are received in order on the read loop
func (self *Client) receive(generation uint64, message []byte) {
	if self.isPaused() {
		self.logDebug("paused, drop %d bytes", len(message))
		return
	}
	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		glog.Infof("[c]unparseable frame: %s\n", message)
		return
	}

	switch {
	case frame.IsHandshake():
		var ctx context.Context
		start := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.generation != generation || self.socketState != socketOpen || self.handshaking {
				return false
			}
			self.handshaking = true
			self.stopConnectionTimerLocked()
			self.reconnect.Reset()
			ctx = self.connectionCtx
			return true
		}()
		if start {
			// open callbacks may wait on replies, which are processed by this loop
			go HandleError(func() {
				self.handshake(ctx, generation, frame)
			}, func(err error) {
				self.closeSocket(generation, err)
			})
		}
	case frame.IsPush():
		channel := *frame.Push
		self.logDebug("push (%d)", channel)
		for _, callback := range self.messageCallbacks.Get() {
			HandleError(func() {
				callback(channel, frame.Data)
			})
		}
	default:
		self.reply(frame)
	}
}

func (self *Client) handshake(ctx context.Context, generation uint64, frame *protocol.Frame) {
	serverTimeOffset := time.Duration(*frame.Timestamp-time.Now().UnixMilli()) * time.Millisecond
	serverVersion := frame.Version
	self.log("handshake version=%s offset=%s", serverVersion, serverTimeOffset)

	self.saveServerTimeOffset(serverTimeOffset)

	group, groupCtx := errgroup.WithContext(ctx)
	event := &OpenEvent{
		ctx:   groupCtx,
		group: group,
	}
	for _, callback := range self.openCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
	if err := group.Wait(); err != nil {
		if self.isCurrent(generation) {
			glog.Infof("[c]open err = %s\n", err)
			self.fireError(err)
		}
		self.closeSocket(generation, err)
		return
	}

	self.sendLock.Lock()
	var update stateUpdate
	var queue []*queuedRequest
	var waiters []*Future[struct{}]
	connected := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.generation != generation {
			return false
		}
		self.socketState = socketConnected
		self.handshaking = false
		state := self.state
		state.Connected = true
		state.Authed = self.authed
		state.ServerTimeOffset = serverTimeOffset
		state.ServerVersion = serverVersion
		update = self.setStateLocked(state)
		queue = self.afterConnectedQueue
		self.afterConnectedQueue = nil
		waiters = self.connectWaiters
		self.connectWaiters = nil
		return true
	}()
	if !connected {
		self.sendLock.Unlock()
		return
	}
	settles := []func(){}
	for _, queued := range queue {
		if queued.stopWatch() {
			if settle := self.submitLocked(queued.call, queued.future); settle != nil {
				settles = append(settles, settle)
			}
		}
	}
	self.sendLock.Unlock()

	self.publishState(update)
	for _, settle := range settles {
		settle()
	}
	for _, waiter := range waiters {
		waiter.Resolve(struct{}{})
	}
}

func (self *Client) reply(frame *protocol.Frame) {
	requestId, ok := frame.ClientRequestId()
	if !ok {
		self.logDebug("drop frame without request id")
		return
	}

	if frame.IsStreamItem() && !frame.IsError() {
		var onItem StreamFunction
		found := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			pending, ok := self.pending[requestId]
			if ok {
				onItem = pending.onItem
			}
			return ok
		}()
		if found && onItem != nil {
			HandleError(func() {
				onItem(frame.Data)
			})
		}
		return
	}

	pending := self.takePending(requestId)
	if pending == nil {
		// arrived after local cleanup
		self.logDebug("drop reply (%d)", requestId)
		return
	}
	pending.stopWatch()
	if frame.IsError() {
		self.log("%s (%d) err = %s", pending.action, requestId, frame.Error)
		pending.future.Reject(&ServerError{
			Action:  pending.action,
			Message: frame.Error,
		})
	} else {
		self.logDebug("reply (%d)", requestId)
		pending.future.Resolve(frame.Data)
	}
	self.checkShutdown()
}

func (self *Client) takePending(requestId uint64) *pendingRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pending, ok := self.pending[requestId]
	if !ok {
		return nil
	}
	delete(self.pending, requestId)
	return pending
}

func (self *Client) cancelRequest(requestId uint64, ctx context.Context) {
	pending := self.takePending(requestId)
	if pending == nil {
		return
	}
	self.logDebug("abort (%d)", requestId)
	settleCanceled(pending.future, ctx)
	// best effort
	self.Send(protocol.AbortAction, requestId)
	self.checkShutdown()
}

func (self *Client) checkShutdown() {
	self.stateLock.Lock()
	var closed *closedSocket
	if self.shuttingDown && len(self.pending) == 0 {
		closed = self.closeLocked(self.generation, ErrConnectionClosed)
	}
	self.stateLock.Unlock()
	self.finishClose(closed)
}

// Send calls `action` with `args`.
// A trailing `StreamFunction` receives stream items, and a `context.Context` before it
// (or last, without a stream function) cancels the call.
func (self *Client) Send(action string, args ...any) *Future[json.RawMessage] {
	return self.send(newCall(action, args))
}

// SendStream calls `onItem` with each stream item. The future settles when the stream ends.
func (self *Client) SendStream(ctx context.Context, action string, onItem StreamFunction, args ...any) *Future[json.RawMessage] {
	call := newCall(action, args)
	call.ctx = ctx
	call.onItem = onItem
	return self.send(call)
}

func (self *Client) send(call *call) *Future[json.RawMessage] {
	future := NewFuture[json.RawMessage]()
	self.sendLock.Lock()
	settle := self.submitLocked(call, future)
	self.sendLock.Unlock()
	if settle != nil {
		settle()
	}
	return future
}

// SendAfterAuthed waits in the after authed queue until a successful `Auth`.
func (self *Client) SendAfterAuthed(action string, args ...any) *Future[json.RawMessage] {
	call := newCall(action, args)
	future := NewFuture[json.RawMessage]()

	self.sendLock.Lock()
	var settle func()
	authed, closed := func() (bool, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.closed {
			return false, true
		}
		if self.authed {
			return true, false
		}
		self.enqueueLocked(&self.afterAuthedQueue, call, future)
		return false, false
	}()
	if authed {
		settle = self.submitLocked(call, future)
	}
	self.sendLock.Unlock()

	if closed {
		future.Reject(ErrClientClosed)
	}
	if settle != nil {
		settle()
	}
	return future
}

// submitLocked writes the call, queues it, or returns a settle function to call
// after `sendLock` is released. `sendLock` must be held.
func (self *Client) submitLocked(call *call, future *Future[json.RawMessage]) func() {
	if call.ctx != nil && call.ctx.Err() != nil {
		return func() {
			settleCanceled(future, call.ctx)
		}
	}

	self.stateLock.Lock()
	switch {
	case self.socketState == socketNone, self.shuttingDown:
		self.stateLock.Unlock()
		return func() {
			future.Reject(ErrConnectionClosed)
		}
	case self.socketState == socketDialing:
		self.enqueueLocked(&self.afterConnectedQueue, call, future)
		self.stateLock.Unlock()
		return nil
	}
	self.nextRequestId += 1
	requestId := self.nextRequestId
	pending := &pendingRequest{
		requestId: requestId,
		action:    call.action,
		future:    future,
		onItem:    call.onItem,
	}
	if call.ctx != nil {
		ctx := call.ctx
		pending.stop = context.AfterFunc(ctx, func() {
			self.cancelRequest(requestId, ctx)
		})
	}
	self.pending[requestId] = pending
	socket := self.socket
	self.stateLock.Unlock()

	frame, err := protocol.NewRequestFrame(requestId, call.action, call.args)
	var message []byte
	if err == nil {
		message, err = protocol.EncodeFrame(frame)
	}
	if err != nil {
		if pending := self.takePending(requestId); pending != nil {
			pending.stopWatch()
		}
		return func() {
			future.Reject(err)
		}
	}

	self.logDebug("send %s (%d)", call.action, requestId)
	if err := socket.WriteMessage(TextMessage, message); err != nil {
		// the close of the socket rejects the pending request
		glog.Infof("[c]send %s (%d) err = %s\n", call.action, requestId, err)
	}
	return nil
}

func (self *Client) enqueueLocked(queue *[]*queuedRequest, call *call, future *Future[json.RawMessage]) {
	queued := &queuedRequest{
		call:   call,
		future: future,
	}
	if call.ctx != nil {
		ctx := call.ctx
		queued.stop = context.AfterFunc(ctx, func() {
			self.dequeue(queued)
			settleCanceled(future, ctx)
		})
	}
	*queue = append(*queue, queued)
}

func (self *Client) dequeue(queued *queuedRequest) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if i := slices.Index(self.afterConnectedQueue, queued); 0 <= i {
		self.afterConnectedQueue = slices.Delete(self.afterConnectedQueue, i, i+1)
	}
	if i := slices.Index(self.afterAuthedQueue, queued); 0 <= i {
		self.afterAuthedQueue = slices.Delete(self.afterAuthedQueue, i, i+1)
	}
}

// Auth sends the credential to the `auth` action.
// The client is authed when the result is present and not `null` or `false`,
// and only then is the after authed queue sent. A failed auth leaves the queue in place.
func (self *Client) Auth(credential any) *Future[json.RawMessage] {
	authFuture := NewFuture[json.RawMessage]()
	self.Send(protocol.AuthAction, credential).OnSettle(func(result json.RawMessage, err error) {
		if err != nil {
			authFuture.Reject(err)
			return
		}
		self.setAuthed(IsAuthResult(result))
		authFuture.Resolve(result)
	})
	return authFuture
}

func (self *Client) setAuthed(authed bool) {
	self.sendLock.Lock()
	var update stateUpdate
	var queue []*queuedRequest
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.socketState == socketNone {
			// closed before the reply was handled
			return
		}
		self.authed = authed
		state := self.state
		state.Authed = authed && state.Connected
		update = self.setStateLocked(state)
		if authed {
			queue = self.afterAuthedQueue
			self.afterAuthedQueue = nil
		}
	}()
	settles := []func(){}
	for _, queued := range queue {
		if queued.stopWatch() {
			if settle := self.submitLocked(queued.call, queued.future); settle != nil {
				settles = append(settles, settle)
			}
		}
	}
	self.sendLock.Unlock()

	self.publishState(update)
	for _, settle := range settles {
		settle()
	}
}

type closedSocket struct {
	socket    Socket
	err       error
	update    stateUpdate
	pending   []*pendingRequest
	waiters   []*Future[struct{}]
	reconnect bool
	backoff   time.Duration
}

func (self *Client) closeSocket(generation uint64, err error) {
	self.stateLock.Lock()
	closed := self.closeLocked(generation, err)
	self.stateLock.Unlock()
	self.finishClose(closed)
}

// closeLocked returns nil if `generation` is not the current socket
func (self *Client) closeLocked(generation uint64, err error) *closedSocket {
	if self.generation != generation || self.socketState == socketNone {
		return nil
	}
	self.generation += 1
	self.stopReconnectTimerLocked()
	self.stopConnectionTimerLocked()
	if self.connectionCancel != nil {
		self.connectionCancel()
		self.connectionCancel = nil
	}

	closed := &closedSocket{
		socket: self.socket,
		err:    err,
	}
	self.socket = nil
	self.socketState = socketNone
	self.handshaking = false
	self.shuttingDown = false
	self.authed = false
	closed.update = self.setStateLocked(self.state.disconnected())

	requestIds := maps.Keys(self.pending)
	slices.Sort(requestIds)
	for _, requestId := range requestIds {
		closed.pending = append(closed.pending, self.pending[requestId])
	}
	self.pending = map[uint64]*pendingRequest{}
	closed.waiters = self.connectWaiters
	self.connectWaiters = nil

	if self.desired && self.state.Online && !self.closed {
		backoff := self.reconnect.NextBackoff()
		closed.reconnect = true
		closed.backoff = backoff
		self.reconnectTimer = time.AfterFunc(backoff, func() {
			self.connect(true)
		})
	}
	return closed
}

func (self *Client) finishClose(closed *closedSocket) {
	if closed == nil {
		return
	}
	if closed.socket != nil {
		closed.socket.Close()
	}
	self.log("close (%s)", closed.err)
	if closed.reconnect {
		self.log("reconnect in %s", closed.backoff)
	}

	self.publishState(closed.update)
	for _, callback := range self.closeCallbacks.Get() {
		HandleError(callback)
	}
	for _, pending := range closed.pending {
		pending.stopWatch()
		pending.future.Reject(ErrConnectionClosed)
	}
	waitErr := closed.err
	if waitErr == nil {
		waitErr = ErrConnectionClosed
	}
	for _, waiter := range closed.waiters {
		waiter.Reject(waitErr)
	}
}

// Disconnect closes the socket and stops reconnecting.
// Pending calls are rejected before it returns. Queued calls stay queued.
func (self *Client) Disconnect() {
	self.stateLock.Lock()
	self.desired = false
	self.stopReconnectTimerLocked()
	closed := self.closeLocked(self.generation, ErrConnectionClosed)
	self.stateLock.Unlock()
	self.finishClose(closed)
}

// Shutdown stops new calls and closes the socket once all pending calls have settled.
func (self *Client) Shutdown() {
	self.stateLock.Lock()
	self.desired = false
	self.stopReconnectTimerLocked()
	var closed *closedSocket
	if self.socketState != socketNone {
		self.shuttingDown = true
		if len(self.pending) == 0 {
			closed = self.closeLocked(self.generation, ErrConnectionClosed)
		}
	}
	self.stateLock.Unlock()
	self.finishClose(closed)
}

// Close disconnects, stops following reachability and rejects all queued calls.
func (self *Client) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.stateLock.Unlock()

	self.unsubscribeReachability()
	self.Disconnect()

	self.stateLock.Lock()
	queue := append(self.afterConnectedQueue, self.afterAuthedQueue...)
	self.afterConnectedQueue = nil
	self.afterAuthedQueue = nil
	self.stateLock.Unlock()
	for _, queued := range queue {
		queued.stopWatch()
		queued.future.Reject(ErrConnectionClosed)
	}

	self.cancel()
}

func (self *Client) setOnline(online bool) {
	self.stateLock.Lock()
	var update stateUpdate
	var closed *closedSocket
	reconnect := false
	if online {
		state := self.state
		state.Online = true
		update = self.setStateLocked(state)
		reconnect = self.desired && !self.closed
	} else {
		self.stopReconnectTimerLocked()
		update = self.setStateLocked(self.state.offline())
		closed = self.closeLocked(self.generation, ErrOffline)
	}
	self.stateLock.Unlock()

	self.log("online=%t", online)
	self.publishState(update)
	self.finishClose(closed)
	if reconnect {
		// immediate, without backoff
		self.connect(true)
	}
}

// Pause drops all inbound frames while set.
func (self *Client) Pause(pause bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.paused = pause
}

func (self *Client) isPaused() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.paused
}

func (self *Client) isCurrent(generation uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.generation == generation
}

func (self *Client) fireError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		HandleError(func() {
			callback(err)
		})
	}
}

func (self *Client) saveServerTimeOffset(serverTimeOffset time.Duration) {
	self.stateLock.Lock()
	self.device.ServerTimeOffset = serverTimeOffset
	device := self.device
	self.stateLock.Unlock()

	if err := self.deviceStore.SaveDevice(&device); err != nil {
		glog.Infof("[c]save device err = %s\n", err)
	}
}

func (self *Client) stopReconnectTimerLocked() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *Client) stopConnectionTimerLocked() {
	if self.connectionTimer != nil {
		self.connectionTimer.Stop()
		self.connectionTimer = nil
	}
}

// GetNow is the server clock in epoch millis.
func (self *Client) GetNow() int64 {
	return self.GetDate().UnixMilli()
}

// GetDate is the local clock adjusted by the server time offset.
func (self *Client) GetDate() time.Time {
	return time.Now().Add(self.Get().ServerTimeOffset)
}

func (self *Client) Get() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Client) Url() string {
	return self.url
}

func (self *Client) Api() *ApiPath {
	return NewApiPath(self)
}

func (self *Client) AddStateCallback(callback StateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Client) AddOpenCallback(callback OpenFunction) func() {
	return self.openCallbacks.Add(callback)
}

func (self *Client) AddCloseCallback(callback CloseFunction) func() {
	return self.closeCallbacks.Add(callback)
}

func (self *Client) AddErrorCallback(callback ErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *Client) AddMessageCallback(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}
