package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/sockrpc/protocol"
)

// the server resolves request actions in a namespace and replies on the peer socket
// each peer processes its messages in receipt order on one invocation goroutine.
// An action that returns a `*Stream` is registered in the peer's streaming table until
// the stream ends, fails or is aborted by the client. An action that would block returns
// a `*Future[any]` (see `Async`), which holds its request id in the table until it settles.

type ServerSettings struct {
	// sent in the handshake frame
	Version string
	// messages read ahead of the invocation goroutine
	MessageBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Version:           "",
		MessageBufferSize: 32,
	}
}

// NamespaceFactory builds the namespace for one peer.
type NamespaceFactory func(ctx context.Context, peer *Peer) (Namespace, error)

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	namespace        Namespace
	namespaceFactory NamespaceFactory
	settings         *ServerSettings

	log      LogFunction
	logDebug LogFunction

	peers mapset.Set[*Peer]

	peerConnected *Event[*Peer]
	peerClosed    *Event[*Peer]
}

func NewServerWithDefaults(ctx context.Context, namespace Namespace) *Server {
	return NewServer(ctx, namespace, DefaultServerSettings())
}

func NewServer(ctx context.Context, namespace Namespace, settings *ServerSettings) *Server {
	return newServer(ctx, nil, namespace, settings)
}

// NewServerWithFactory builds a namespace per peer.
// Messages that arrive while the factory runs are processed after it returns.
func NewServerWithFactory(ctx context.Context, namespaceFactory NamespaceFactory, settings *ServerSettings) *Server {
	return newServer(ctx, namespaceFactory, nil, settings)
}

func newServer(ctx context.Context, namespaceFactory NamespaceFactory, namespace Namespace, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:              cancelCtx,
		cancel:           cancel,
		namespace:        namespace,
		namespaceFactory: namespaceFactory,
		settings:         settings,
		log:              LogFn(LogLevelInfo, "s"),
		logDebug:         LogFn(LogLevelDebug, "s"),
		peers:            mapset.NewSet[*Peer](),
		peerConnected:    NewEvent[*Peer](),
		peerClosed:       NewEvent[*Peer](),
	}
}

// AddPeerConnectedCallback is called after the handshake is sent to a peer.
func (self *Server) AddPeerConnectedCallback(callback func(peer *Peer)) func() {
	return self.peerConnected.Subscribe(callback)
}

func (self *Server) AddPeerClosedCallback(callback func(peer *Peer)) func() {
	return self.peerClosed.Subscribe(callback)
}

type Peer struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId Id
	server *Server
	socket Socket

	// read loop to invocation goroutine
	messages chan pipeMessage

	stateLock sync.Mutex
	namespace Namespace
	// keyed by the canonical request id
	streamingRequests map[float64]*streamingRequest
	authSubject       string
	closed            bool
}

// streamingRequest is an entry in the peer's streaming table.
// Removing the entry is the single point of teardown.
type streamingRequest struct {
	key      float64
	teardown func(aborted bool) bool
}

// NewPeer creates a peer for a connected socket. The server's static namespace is
// used unless the server has a namespace factory.
func (self *Server) NewPeer(socket Socket) *Peer {
	ctx, cancel := context.WithCancel(self.ctx)
	peer := &Peer{
		ctx:               ctx,
		cancel:            cancel,
		peerId:            NewId(),
		server:            self,
		socket:            socket,
		messages:          make(chan pipeMessage, max(self.settings.MessageBufferSize, 0)),
		streamingRequests: map[float64]*streamingRequest{},
	}
	self.peers.Add(peer)
	go func() {
		<-ctx.Done()
		peer.Close()
	}()
	return peer
}

// OnConnect starts the peer invocation goroutine, which sends the handshake
// and then processes messages in receipt order.
// With a namespace factory, the handshake is sent after the factory returns.
// Messages that arrive while the factory runs wait in the message buffer.
func (self *Server) OnConnect(peer *Peer) {
	self.log("%s connect", peer.peerId)
	go HandleError(func() {
		namespace := self.namespace
		if self.namespaceFactory != nil {
			var err error
			namespace, err = self.namespaceFactory(peer.ctx, peer)
			if err != nil {
				glog.Infof("[s]%s namespace err = %s\n", peer.peerId, err)
				self.Send(peer, protocol.NewErrorFrame("", err.Error()))
				peer.Close()
				return
			}
		}
		peer.setNamespace(namespace)
		self.sendHandshake(peer)
		for {
			select {
			case <-peer.ctx.Done():
				return
			case message := <-peer.messages:
				self.processMessage(peer, message.messageType, message.message)
			}
		}
	}, func(err error) {
		peer.Close()
	})
}

func (self *Server) sendHandshake(peer *Peer) {
	self.Send(peer, protocol.NewHandshakeFrame(time.Now(), self.settings.Version))
	self.peerConnected.Publish(peer)
}

// OnMessage queues one inbound message for the peer invocation goroutine.
// Blocks while the message buffer is full.
func (self *Server) OnMessage(peer *Peer, messageType int, message []byte) {
	select {
	case peer.messages <- pipeMessage{
		messageType: messageType,
		message:     message,
	}:
	case <-peer.ctx.Done():
	}
}

func (self *Server) processMessage(peer *Peer, messageType int, message []byte) {
	if messageType != TextMessage {
		self.sendError(peer, "", protocol.ErrIncorrectMessageFormat.Message)
		return
	}
	request, err := protocol.ParseRequest(message)
	if err != nil {
		var protocolErr *protocol.ProtocolError
		if errors.As(err, &protocolErr) {
			self.sendError(peer, "", protocolErr.Message)
		} else {
			self.sendError(peer, "", protocol.ErrInvalidMessageProtocol.Message)
		}
		return
	}
	self.logDebug("%s %s (%s)", peer.peerId, request.Action, request.RequestId)

	if request.IsAbort() {
		self.abort(peer, request)
		return
	}
	var action Action
	if !request.IsReserved() {
		action = peer.getNamespace().Resolve(request.Action)
	}
	if action == nil {
		self.sendError(peer, request.RequestId, protocol.ErrUnknownAction.Message)
		return
	}
	self.invoke(peer, request, action)
}

func (self *Server) invoke(peer *Peer, request *protocol.Request, action Action) {
	var result any
	var err error
	HandleError(func() {
		result, err = action(peer.ctx, peer, Args(request.Args))
	}, func(panicErr error) {
		glog.Infof("[s]%s %s panic = %s\n", peer.peerId, request.Action, panicErr)
		result = nil
		err = panicErr
	})
	self.reply(peer, request, result, err, nil)
}

// reply sends the outcome of an action.
// `pending` is the table entry held by a handed off action, or nil.
func (self *Server) reply(peer *Peer, request *protocol.Request, result any, err error, pending *streamingRequest) {
	HandleError(func() {
		switch v := result.(type) {
		case *Stream:
			if v == nil {
				result = nil
			} else if err == nil {
				self.stream(peer, request.RequestId, v, pending)
				return
			}
		case *Future[any]:
			if v == nil {
				result = nil
			} else if err == nil {
				self.handOff(peer, request, v, pending)
				return
			}
		}
		if pending != nil && !peer.removeStreamingRequest(pending) {
			// aborted or the peer closed
			return
		}
		if err != nil {
			self.sendError(peer, request.RequestId, err.Error())
			return
		}
		frame, err := protocol.NewReplyFrame(request.RequestId, result)
		if err != nil {
			glog.Infof("[s]%s %s encode err = %s\n", peer.peerId, request.Action, err)
			self.sendError(peer, request.RequestId, err.Error())
			return
		}
		self.Send(peer, frame)
	}, func(panicErr error) {
		glog.Infof("[s]%s %s reply panic = %s\n", peer.peerId, request.Action, panicErr)
		self.sendError(peer, request.RequestId, panicErr.Error())
	})
}

// handOff replies when the future settles. Until then the request id is held in the
// streaming table, so that an abort drops the result.
func (self *Server) handOff(peer *Peer, request *protocol.Request, future *Future[any], pending *streamingRequest) {
	if pending == nil {
		key, _ := protocol.RequestIdKey(request.RequestId)
		held := &streamingRequest{
			key: key,
		}
		held.teardown = func(aborted bool) bool {
			return peer.removeStreamingRequest(held)
		}
		if !peer.addStreamingRequest(held) {
			// peer closed
			return
		}
		pending = held
	}
	future.OnSettle(func(result any, err error) {
		self.reply(peer, request, result, err, pending)
	})
}

func (self *Server) stream(peer *Peer, requestId json.Number, stream *Stream, pending *streamingRequest) {
	key, _ := protocol.RequestIdKey(requestId)

	entry := &streamingRequest{
		key: key,
	}
	entry.teardown = func(aborted bool) bool {
		if !peer.removeStreamingRequest(entry) {
			return false
		}
		if aborted {
			stream.abort()
		}
		stream.unsubscribe()
		return true
	}
	var added bool
	if pending == nil {
		added = peer.addStreamingRequest(entry)
	} else {
		added = peer.replaceStreamingRequest(pending, entry)
	}
	if !added {
		// aborted or the peer closed
		stream.abort()
		return
	}

	stream.subscribe(func(item StreamItem) {
		switch {
		case item.Err != nil:
			if entry.teardown(false) {
				self.sendError(peer, requestId, item.Err.Error())
			}
		case item.End:
			if entry.teardown(false) {
				self.Send(peer, &protocol.Frame{RequestId: requestId})
			}
		default:
			if !peer.isStreaming(entry) {
				return
			}
			frame, err := protocol.NewStreamItemFrame(requestId, item.Value)
			if err != nil {
				glog.Infof("[s]%s stream (%s) encode err = %s\n", peer.peerId, requestId, err)
				if entry.teardown(true) {
					self.sendError(peer, requestId, err.Error())
				}
				return
			}
			self.Send(peer, frame)
		}
	})
}

// abort tears down the stream of the request id in `d[0]`
// and replies with whether there was a stream to tear down
func (self *Server) abort(peer *Peer, request *protocol.Request) {
	success := false
	var targetId json.Number
	if 0 < len(request.Args) {
		targetId = json.Number(bytes.TrimSpace(request.Args[0]))
		if key, ok := protocol.RequestIdKey(targetId); ok {
			if entry := peer.streamingRequest(key); entry != nil {
				success = entry.teardown(true)
			}
		}
	}
	self.logDebug("%s abort (%s) = %t", peer.peerId, targetId, success)
	if success {
		self.Send(peer, &protocol.Frame{RequestId: targetId})
	}
	frame, _ := protocol.NewReplyFrame(request.RequestId, success)
	self.Send(peer, frame)
}

func (self *Server) sendError(peer *Peer, requestId json.Number, message string) {
	self.Send(peer, protocol.NewErrorFrame(requestId, message))
}

// Send writes one frame to the peer. Write errors are logged; the read loop handles the close.
func (self *Server) Send(peer *Peer, frame *protocol.Frame) error {
	message, err := protocol.EncodeFrame(frame)
	if err != nil {
		glog.Infof("[s]%s encode err = %s\n", peer.peerId, err)
		return err
	}
	if err := peer.socket.WriteMessage(TextMessage, message); err != nil {
		if !IsNormalClose(err) {
			glog.Infof("[s]%s send err = %s\n", peer.peerId, err)
		}
		return err
	}
	return nil
}

// Push sends an unsolicited frame. Channel 0 is the default channel 1.
func (self *Server) Push(peer *Peer, data any, channel int) error {
	frame, err := protocol.NewPushFrame(channel, data)
	if err != nil {
		return err
	}
	return self.Send(peer, frame)
}

// Broadcast pushes to every connected peer and returns the number of peers sent to.
func (self *Server) Broadcast(data any, channel int) int {
	frame, err := protocol.NewPushFrame(channel, data)
	if err != nil {
		glog.Infof("[s]broadcast encode err = %s\n", err)
		return 0
	}
	sent := 0
	for _, peer := range self.peers.ToSlice() {
		if self.Send(peer, frame) == nil {
			sent += 1
		}
	}
	return sent
}

func (self *Server) PeerCount() int {
	return self.peers.Cardinality()
}

// ServeSocket runs the peer read loop until the socket closes.
func (self *Server) ServeSocket(socket Socket) {
	peer := self.NewPeer(socket)
	defer peer.Close()

	self.OnConnect(peer)
	for {
		messageType, message, err := socket.ReadMessage()
		if err != nil {
			if !IsNormalClose(err) {
				glog.Infof("[s]%s read err = %s\n", peer.peerId, err)
			}
			return
		}
		self.OnMessage(peer, messageType, message)
	}
}

// Close closes every peer.
func (self *Server) Close() {
	self.cancel()
	for _, peer := range self.peers.ToSlice() {
		peer.Close()
	}
}

func (self *Peer) PeerId() Id {
	return self.peerId
}

func (self *Peer) Context() context.Context {
	return self.ctx
}

func (self *Peer) Server() *Server {
	return self.server
}

func (self *Peer) SetAuthSubject(subject string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.authSubject = subject
}

// AuthSubject is empty until an auth action records a subject.
func (self *Peer) AuthSubject() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authSubject
}

func (self *Peer) Send(frame *protocol.Frame) error {
	return self.server.Send(self, frame)
}

func (self *Peer) Push(data any, channel int) error {
	return self.server.Push(self, data, channel)
}

func (self *Peer) setNamespace(namespace Namespace) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.namespace = namespace
}

func (self *Peer) getNamespace() Namespace {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.namespace
}

// a reused request id tears down the older entry as aborted
func (self *Peer) addStreamingRequest(entry *streamingRequest) bool {
	if replaced := self.streamingRequest(entry.key); replaced != nil {
		replaced.teardown(true)
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return false
	}
	self.streamingRequests[entry.key] = entry
	return true
}

// replaceStreamingRequest returns false if `held` was already removed
func (self *Peer) replaceStreamingRequest(held *streamingRequest, entry *streamingRequest) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.streamingRequests[held.key] != held {
		return false
	}
	self.streamingRequests[entry.key] = entry
	return true
}

// removeStreamingRequest returns false if the entry was already removed
func (self *Peer) removeStreamingRequest(entry *streamingRequest) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.streamingRequests[entry.key] != entry {
		return false
	}
	delete(self.streamingRequests, entry.key)
	return true
}

func (self *Peer) streamingRequest(key float64) *streamingRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.streamingRequests[key]
}

func (self *Peer) isStreaming(entry *streamingRequest) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.streamingRequests[entry.key] == entry
}

func (self *Peer) StreamingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.streamingRequests)
}

// Close tears down all streams as aborted and closes the socket.
func (self *Peer) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	keys := maps.Keys(self.streamingRequests)
	slices.Sort(keys)
	entries := []*streamingRequest{}
	for _, key := range keys {
		entries = append(entries, self.streamingRequests[key])
	}
	self.stateLock.Unlock()

	for _, entry := range entries {
		entry.teardown(true)
	}
	self.cancel()
	self.socket.Close()
	self.server.peers.Remove(self)
	self.server.log("%s close", self.peerId)
	self.server.peerClosed.Publish(self)
}
