package connect

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const TextMessage = websocket.TextMessage
const BinaryMessage = websocket.BinaryMessage

var ErrPipeClosed = errors.New("pipe closed")

// Socket is one message oriented, full duplex connection.
// `WriteMessage` may be called concurrently. `ReadMessage` has a single reader.
type Socket interface {
	WriteMessage(messageType int, message []byte) error
	ReadMessage() (messageType int, message []byte, err error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// IsNormalClose is true for errors that end a read loop without being abnormal.
func IsNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrPipeClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

type WsSocketSettings struct {
	WriteTimeout time.Duration
	// 0 disables the ping loop
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
}

func DefaultWsSocketSettings() *WsSocketSettings {
	return &WsSocketSettings{
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		PongTimeout:  30 * time.Second,
		ReadLimit:    32 * 1024 * 1024,
	}
}

// WsSocket adapts a gorilla websocket connection.
type WsSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *WsSocketSettings

	writeLock sync.Mutex
	closeOnce sync.Once
}

func NewWsSocket(conn *websocket.Conn, settings *WsSocketSettings) *WsSocket {
	ctx, cancel := context.WithCancel(context.Background())
	socket := &WsSocket{
		ctx:      ctx,
		cancel:   cancel,
		conn:     conn,
		settings: settings,
	}
	if 0 < settings.ReadLimit {
		conn.SetReadLimit(settings.ReadLimit)
	}
	if 0 < settings.PingInterval {
		conn.SetPongHandler(func(appData string) error {
			conn.SetReadDeadline(time.Time{})
			return nil
		})
		go socket.pingLoop()
	}
	return socket
}

func (self *WsSocket) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}

		self.writeLock.Lock()
		self.conn.SetReadDeadline(time.Now().Add(self.settings.PongTimeout))
		err := self.conn.WriteControl(
			websocket.PingMessage,
			nil,
			time.Now().Add(self.settings.WriteTimeout),
		)
		self.writeLock.Unlock()
		if err != nil {
			// note that for websocket a dealine timeout cannot be recovered
			return
		}
	}
}

func (self *WsSocket) WriteMessage(messageType int, message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteMessage(messageType, message)
}

func (self *WsSocket) ReadMessage() (int, []byte, error) {
	return self.conn.ReadMessage()
}

func (self *WsSocket) RemoteAddr() string {
	return self.conn.RemoteAddr().String()
}

func (self *WsSocket) Close() error {
	var err error
	self.closeOnce.Do(func() {
		self.cancel()
		self.writeLock.Lock()
		self.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		self.writeLock.Unlock()
		err = self.conn.Close()
	})
	return err
}

type WsDialerSettings struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	SocketSettings   *WsSocketSettings
}

func DefaultWsDialerSettings() *WsDialerSettings {
	return &WsDialerSettings{
		HandshakeTimeout: 2 * time.Second,
		Header:           http.Header{},
		SocketSettings:   DefaultWsSocketSettings(),
	}
}

type WsDialer struct {
	settings *WsDialerSettings
}

func NewWsDialerWithDefaults() *WsDialer {
	return NewWsDialer(DefaultWsDialerSettings())
}

func NewWsDialer(settings *WsDialerSettings) *WsDialer {
	return &WsDialer{
		settings: settings,
	}
}

func (self *WsDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, url, self.settings.Header.Clone())
	if err != nil {
		if resp != nil {
			return nil, &WsHandshakeError{Err: err, Status: resp.Status}
		}
		return nil, err
	}
	return NewWsSocket(conn, self.settings.SocketSettings), nil
}

type WsHandshakeError struct {
	Err    error
	Status string
}

func (self *WsHandshakeError) Error() string {
	return self.Err.Error() + " (HTTP status " + self.Status + ")"
}

func (self *WsHandshakeError) Unwrap() error {
	return self.Err
}

type pipeMessage struct {
	messageType int
	message     []byte
}

// PipeSocket is an in memory socket. Closing either end closes both.
type PipeSocket struct {
	ctx     context.Context
	cancel  context.CancelFunc
	send    chan<- pipeMessage
	receive <-chan pipeMessage
}

func NewPipeSocketPair(bufferSize int) (*PipeSocket, *PipeSocket) {
	ctx, cancel := context.WithCancel(context.Background())
	ab := make(chan pipeMessage, bufferSize)
	ba := make(chan pipeMessage, bufferSize)
	a := &PipeSocket{
		ctx:     ctx,
		cancel:  cancel,
		send:    ab,
		receive: ba,
	}
	b := &PipeSocket{
		ctx:     ctx,
		cancel:  cancel,
		send:    ba,
		receive: ab,
	}
	return a, b
}

func (self *PipeSocket) WriteMessage(messageType int, message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrPipeClosed
	default:
	}
	select {
	case <-self.ctx.Done():
		return ErrPipeClosed
	case self.send <- pipeMessage{messageType: messageType, message: message}:
		return nil
	}
}

func (self *PipeSocket) ReadMessage() (int, []byte, error) {
	select {
	case <-self.ctx.Done():
		return 0, nil, ErrPipeClosed
	case m := <-self.receive:
		return m.messageType, m.message, nil
	}
}

func (self *PipeSocket) Close() error {
	self.cancel()
	return nil
}

func (self *PipeSocket) Done() <-chan struct{} {
	return self.ctx.Done()
}

// PipeDialer connects each dial to an in process server end.
type PipeDialer struct {
	bufferSize int
	serve      func(socket Socket)
}

func NewPipeDialer(bufferSize int, serve func(socket Socket)) *PipeDialer {
	return &PipeDialer{
		bufferSize: bufferSize,
		serve:      serve,
	}
}

func (self *PipeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	clientSocket, serverSocket := NewPipeSocketPair(self.bufferSize)
	go self.serve(serverSocket)
	return clientSocket, nil
}
