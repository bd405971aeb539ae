package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// testDialer hands the server end of each dial to the test
type testDialer struct {
	sockets chan *PipeSocket
	// when set, each dial waits for a value
	hold chan struct{}

	stateLock sync.Mutex
	dialCount int
}

func newTestDialer() *testDialer {
	return &testDialer{
		sockets: make(chan *PipeSocket, 16),
	}
}

func (self *testDialer) Dial(ctx context.Context, url string) (Socket, error) {
	self.stateLock.Lock()
	self.dialCount += 1
	hold := self.hold
	self.stateLock.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	clientSocket, serverSocket := NewPipeSocketPair(64)
	select {
	case self.sockets <- serverSocket:
		return clientSocket, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *testDialer) DialCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dialCount
}

func (self *testDialer) next(t *testing.T) *PipeSocket {
	t.Helper()
	select {
	case socket := <-self.sockets:
		return socket
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

func testClientSettings(dialer Dialer) *ClientSettings {
	settings := DefaultClientSettings()
	settings.Dialer = dialer
	settings.Random = func() float64 {
		return 0
	}
	return settings
}

func sendHandshake(t *testing.T, socket Socket, serverTime time.Time) {
	t.Helper()
	writeMessage(t, socket, fmt.Sprintf(`{"ts":%d,"v":"test"}`, serverTime.UnixMilli()))
}

func waitResult[R any](t *testing.T, future *Future[R]) (R, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	result, err := future.Result(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timeout waiting for future")
	}
	return result, err
}

// connects and completes the handshake
func connectTestClient(t *testing.T, client *Client, dialer *testDialer) *PipeSocket {
	t.Helper()
	connected := client.Connect()
	serverSocket := dialer.next(t)
	sendHandshake(t, serverSocket, time.Now())
	_, err := waitResult(t, connected)
	assert.Equal(t, err, nil)
	return serverSocket
}

func TestNewCall(t *testing.T) {
	c := newCall("a", []any{1, nil, 2, nil, nil})
	assert.Equal(t, c.args, []any{1, nil, 2})
	assert.Equal(t, c.ctx, nil)
	assert.Equal(t, c.onItem == nil, true)

	ctx := context.Background()
	c = newCall("a", []any{1, ctx, StreamFunction(func(item json.RawMessage) {})})
	assert.Equal(t, c.args, []any{1})
	assert.Equal(t, c.ctx, ctx)
	assert.Equal(t, c.onItem == nil, false)

	c = newCall("a", []any{1, func(item json.RawMessage) {}, nil})
	assert.Equal(t, c.args, []any{1})
	assert.Equal(t, c.onItem == nil, false)

	c = newCall("a", []any{ctx})
	assert.Equal(t, len(c.args), 0)
	assert.Equal(t, c.ctx, ctx)

	c = newCall("a", nil)
	assert.Equal(t, len(c.args), 0)
}

func TestIsAuthResult(t *testing.T) {
	assert.Equal(t, IsAuthResult(nil), false)
	assert.Equal(t, IsAuthResult(json.RawMessage("null")), false)
	assert.Equal(t, IsAuthResult(json.RawMessage("false")), false)
	assert.Equal(t, IsAuthResult(json.RawMessage(`"user1"`)), true)
	assert.Equal(t, IsAuthResult(json.RawMessage("true")), true)
	assert.Equal(t, IsAuthResult(json.RawMessage("0")), true)
}

func TestClientOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	settings := testClientSettings(dialer)
	reachability := NewManualReachability(false)
	settings.Reachability = reachability
	client := NewClient(ctx, "ws://test", settings)
	defer client.Close()

	_, err := waitResult(t, client.Connect())
	assert.Equal(t, err, ErrOffline)

	for i := 0; i < 8; i += 1 {
		_, err := waitResult(t, client.Send("math.add", i, i))
		assert.Equal(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, dialer.DialCount(), 0)
	assert.Equal(t, client.Get().Online, false)
	assert.Equal(t, client.Get().Connected, false)

	// the failed connect did not make a connection desired
	reachability.SetOnline(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialer.DialCount(), 0)
	assert.Equal(t, client.Get().Online, true)
}

func TestClientSendWithoutConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	_, err := waitResult(t, client.Send("a"))
	assert.Equal(t, err, ErrConnectionClosed)
	assert.Equal(t, dialer.DialCount(), 0)
}

func TestClientPreConnectQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	dialer.hold = make(chan struct{})
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	connected := client.Connect()
	// joins the attempt in progress
	connected2 := client.Connect()

	a := client.Send("a", 1)
	b := client.Send("b", 2, nil)

	close(dialer.hold)
	serverSocket := dialer.next(t)
	sendHandshake(t, serverSocket, time.Now())

	_, err := waitResult(t, connected)
	assert.Equal(t, err, nil)
	_, err = waitResult(t, connected2)
	assert.Equal(t, err, nil)
	assert.Equal(t, dialer.DialCount(), 1)

	c := client.Send("c", 3)

	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"a","d":[1]}`)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":2,"a":"b","d":[2]}`)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":3,"a":"c","d":[3]}`)

	writeMessage(t, serverSocket, `{"r":2,"d":"B"}`)
	writeMessage(t, serverSocket, `{"r":1,"d":"A"}`)
	writeMessage(t, serverSocket, `{"r":3}`)

	result, err := waitResult(t, a)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"A"`)
	result, err = waitResult(t, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"B"`)
	result, err = waitResult(t, c)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result), 0)

	// already connected
	_, err = waitResult(t, client.Connect())
	assert.Equal(t, err, nil)
	assert.Equal(t, dialer.DialCount(), 1)
}

func TestClientPreAuthQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)

	x := client.SendAfterAuthed("x", "1")
	y := client.SendAfterAuthed("y")

	// failed auth
	auth := client.Auth("bad")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"auth","d":["bad"]}`)
	writeMessage(t, serverSocket, `{"r":1,"d":null}`)
	result, err := waitResult(t, auth)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), "null")
	assert.Equal(t, client.Get().Authed, false)
	assert.Equal(t, x.IsDone(), false)

	auth = client.Auth("good")
	// the queued calls were not sent after the failed auth
	assert.Equal(t, readMessage(t, serverSocket), `{"r":2,"a":"auth","d":["good"]}`)
	writeMessage(t, serverSocket, `{"r":2,"d":"user1"}`)
	result, err = waitResult(t, auth)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"user1"`)
	assert.Equal(t, client.Get().Authed, true)

	assert.Equal(t, readMessage(t, serverSocket), `{"r":3,"a":"x","d":["1"]}`)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":4,"a":"y"}`)

	z := client.SendAfterAuthed("z")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":5,"a":"z"}`)

	writeMessage(t, serverSocket, `{"r":3,"d":1}`)
	writeMessage(t, serverSocket, `{"r":4,"d":2}`)
	writeMessage(t, serverSocket, `{"r":5,"d":3}`)
	for i, future := range []*Future[json.RawMessage]{x, y, z} {
		result, err := waitResult(t, future)
		assert.Equal(t, err, nil)
		assert.Equal(t, string(result), fmt.Sprintf("%d", i+1))
	}
}

func TestClientAuthInOpenCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	client.AddOpenCallback(func(event *OpenEvent) {
		event.WaitUntil(func(ctx context.Context) error {
			_, err := client.Auth("token").Result(ctx)
			return err
		})
	})

	connected := client.Connect()
	serverSocket := dialer.next(t)
	sendHandshake(t, serverSocket, time.Now())

	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"auth","d":["token"]}`)
	assert.Equal(t, connected.IsDone(), false)
	assert.Equal(t, client.Get().Connected, false)
	writeMessage(t, serverSocket, `{"r":1,"d":"user1"}`)

	_, err := waitResult(t, connected)
	assert.Equal(t, err, nil)
	state := client.Get()
	assert.Equal(t, state.Connected, true)
	assert.Equal(t, state.Authed, true)
	assert.Equal(t, state.ServerVersion, "test")
}

func TestClientOpenCallbackError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	openErr := errors.New("open failed")
	client.AddOpenCallback(func(event *OpenEvent) {
		event.WaitUntil(func(ctx context.Context) error {
			return openErr
		})
	})
	errs := make(chan error, 16)
	client.AddErrorCallback(func(err error) {
		errs <- err
	})

	connected := client.Connect()
	serverSocket := dialer.next(t)
	sendHandshake(t, serverSocket, time.Now())

	_, err := waitResult(t, connected)
	assert.Equal(t, err, openErr)
	select {
	case err := <-errs:
		assert.Equal(t, err, openErr)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for error callback")
	}
	client.Disconnect()
}

func TestClientStreamAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)

	items := make(chan string, 16)
	callCtx, callCancel := context.WithCancel(ctx)
	future := client.Send("watch", "k", callCtx, func(item json.RawMessage) {
		items <- string(item)
	})
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"watch","d":["k"]}`)

	writeMessage(t, serverSocket, `{"r":1,"d":1,"s":1}`)
	writeMessage(t, serverSocket, `{"r":1,"d":2,"s":1}`)
	for _, expected := range []string{"1", "2"} {
		select {
		case item := <-items:
			assert.Equal(t, item, expected)
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for stream item")
		}
	}

	callCancel()
	result, err := waitResult(t, future)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result), 0)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":2,"a":"_abort","d":[1]}`)

	// the server confirms the abort. The bare reply for the aborted id is dropped.
	writeMessage(t, serverSocket, `{"r":1}`)
	writeMessage(t, serverSocket, `{"r":2,"d":true}`)

	// cancel with a cause rejects
	stopErr := errors.New("stop")
	causeCtx, causeCancel := context.WithCancelCause(ctx)
	future = client.SendStream(causeCtx, "watch", func(item json.RawMessage) {}, "k")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":3,"a":"watch","d":["k"]}`)
	causeCancel(stopErr)
	_, err = waitResult(t, future)
	assert.Equal(t, err, stopErr)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":4,"a":"_abort","d":[3]}`)

	// the end of a stream resolves with no value
	future = client.SendStream(ctx, "watch", func(item json.RawMessage) {})
	assert.Equal(t, readMessage(t, serverSocket), `{"r":5,"a":"watch"}`)
	writeMessage(t, serverSocket, `{"r":5}`)
	result, err = waitResult(t, future)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result), 0)
}

func TestClientCancelQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)

	callCtx, callCancel := context.WithCancel(ctx)
	queued := client.SendAfterAuthed("x", callCtx)
	callCancel()
	_, err := waitResult(t, queued)
	assert.Equal(t, err, nil)

	auth := client.Auth("good")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"auth","d":["good"]}`)
	writeMessage(t, serverSocket, `{"r":1,"d":"user1"}`)
	_, err = waitResult(t, auth)
	assert.Equal(t, err, nil)

	// the canceled call was removed from the queue
	client.Send("after")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":2,"a":"after"}`)
}

func TestClientServerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)

	future := client.Send("fails")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"fails"}`)

	// unknown ids and unparseable frames are dropped
	writeMessage(t, serverSocket, `{"r":99,"d":1}`)
	writeMessage(t, serverSocket, `not json`)
	writeMessage(t, serverSocket, `{"r":1,"err":"boom"}`)

	_, err := waitResult(t, future)
	var serverErr *ServerError
	assert.Equal(t, errors.As(err, &serverErr), true)
	assert.Equal(t, serverErr.Message, "boom")
	assert.Equal(t, serverErr.Action, "fails")
}

func TestClientPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	type push struct {
		channel int
		data    string
	}
	pushes := make(chan push, 16)
	client.AddMessageCallback(func(channel int, data json.RawMessage) {
		pushes <- push{channel, string(data)}
	})

	serverSocket := connectTestClient(t, client, dialer)
	writeMessage(t, serverSocket, `{"p":1,"d":"hi"}`)
	writeMessage(t, serverSocket, `{"p":2,"d":{"n":1}}`)

	for _, expected := range []push{{1, `"hi"`}, {2, `{"n":1}`}} {
		select {
		case p := <-pushes:
			assert.Equal(t, p, expected)
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for push")
		}
	}
}

func TestClientPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)

	future := client.Send("a")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"a"}`)

	client.Pause(true)
	writeMessage(t, serverSocket, `{"r":1,"d":1}`)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, future.IsDone(), false)
	client.Pause(false)

	writeMessage(t, serverSocket, `{"r":1,"d":2}`)
	result, err := waitResult(t, future)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), "2")
}

func TestClientCloseRejectsPendingAndReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	closes := make(chan struct{}, 16)
	client.AddCloseCallback(func() {
		closes <- struct{}{}
	})

	serverSocket := connectTestClient(t, client, dialer)

	a := client.Send("a")
	b := client.Send("b")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"a"}`)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":2,"a":"b"}`)

	serverSocket.Close()

	_, err := waitResult(t, a)
	assert.Equal(t, err, ErrConnectionClosed)
	_, err = waitResult(t, b)
	assert.Equal(t, err, ErrConnectionClosed)
	select {
	case <-closes:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for close callback")
	}

	// reconnects with backoff, which is 0 with this jitter
	serverSocket = dialer.next(t)
	client.stateLock.Lock()
	retries := client.reconnect.Retries()
	client.stateLock.Unlock()
	assert.Equal(t, retries, 1)

	sendHandshake(t, serverSocket, time.Now())
	for i := 0; i < 100 && !client.Get().Connected; i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, client.Get().Connected, true)
	client.stateLock.Lock()
	retries = client.reconnect.Retries()
	client.stateLock.Unlock()
	assert.Equal(t, retries, 0)

	// request ids are not reused
	client.Send("c")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":3,"a":"c"}`)
}

func TestClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)
	a := client.Send("a")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"a"}`)

	client.Disconnect()
	// rejected before disconnect returns
	assert.Equal(t, a.IsDone(), true)
	_, err := a.Wait()
	assert.Equal(t, err, ErrConnectionClosed)
	assert.Equal(t, client.Get().Connected, false)

	select {
	case <-serverSocket.Done():
	case <-time.After(testTimeout):
		t.Fatal("socket was not closed")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialer.DialCount(), 1)
}

func TestClientConnectionTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	settings := testClientSettings(dialer)
	settings.ConnectionTimeout = 50 * time.Millisecond
	client := NewClient(ctx, "ws://test", settings)
	defer client.Close()

	connected := client.Connect()
	dialer.next(t)
	// no handshake
	_, err := waitResult(t, connected)
	assert.Equal(t, err, ErrConnectionTimeout)
	client.Disconnect()
}

func TestClientConnectionTimeoutAfterHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	opened := make(chan struct{})
	release := make(chan struct{})
	client.AddOpenCallback(func(event *OpenEvent) {
		event.WaitUntil(func(ctx context.Context) error {
			close(opened)
			<-release
			return nil
		})
	})

	connected := client.Connect()
	serverSocket := dialer.next(t)
	sendHandshake(t, serverSocket, time.Now())
	select {
	case <-opened:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for open callback")
	}

	// a timer that fires while the handshake is in progress does not close the socket
	client.stateLock.Lock()
	generation := client.generation
	client.stateLock.Unlock()
	client.connectionTimeout(generation)
	close(release)

	_, err := waitResult(t, connected)
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Get().Connected, true)

	// nor after it
	client.connectionTimeout(generation)
	assert.Equal(t, client.Get().Connected, true)
	select {
	case <-serverSocket.Done():
		t.Fatal("socket was closed")
	default:
	}
}

func TestClientShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	serverSocket := connectTestClient(t, client, dialer)
	a := client.Send("a")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"a"}`)

	client.Shutdown()
	_, err := waitResult(t, client.Send("b"))
	assert.Equal(t, err, ErrConnectionClosed)

	// the in flight reply is still delivered
	writeMessage(t, serverSocket, `{"r":1,"d":"A"}`)
	result, err := waitResult(t, a)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(result), `"A"`)

	select {
	case <-serverSocket.Done():
	case <-time.After(testTimeout):
		t.Fatal("socket was not closed")
	}
	assert.Equal(t, client.Get().Connected, false)
}

func TestClientReachability(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	reachability := NewManualReachability(true)
	settings := testClientSettings(dialer)
	settings.Reachability = reachability
	client := NewClient(ctx, "ws://test", settings)
	defer client.Close()
	assert.Equal(t, reachability.CallbackCount(), 1)

	var stateLock sync.Mutex
	states := []ConnectionState{}
	client.AddStateCallback(func(state ConnectionState) {
		stateLock.Lock()
		defer stateLock.Unlock()
		states = append(states, state)
	})
	getStates := func() []ConnectionState {
		stateLock.Lock()
		defer stateLock.Unlock()
		return append([]ConnectionState{}, states...)
	}

	serverSocket := connectTestClient(t, client, dialer)
	auth := client.Auth("good")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"auth","d":["good"]}`)
	writeMessage(t, serverSocket, `{"r":1,"d":"user1"}`)
	_, err := waitResult(t, auth)
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Get().Authed, true)

	n := len(getStates())
	reachability.SetOnline(false)
	offlineStates := getStates()[n:]
	// one update for all fields
	assert.Equal(t, len(offlineStates), 1)
	assert.Equal(t, offlineStates[0].Online, false)
	assert.Equal(t, offlineStates[0].Connected, false)
	assert.Equal(t, offlineStates[0].Authed, false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dialer.DialCount(), 1)

	// reconnects immediately
	reachability.SetOnline(true)
	serverSocket = dialer.next(t)
	assert.Equal(t, dialer.DialCount(), 2)
	sendHandshake(t, serverSocket, time.Now())
	for i := 0; i < 100 && !client.Get().Connected; i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	state := client.Get()
	assert.Equal(t, state.Online, true)
	assert.Equal(t, state.Connected, true)
	assert.Equal(t, state.Authed, false)

	client.Close()
	assert.Equal(t, reachability.CallbackCount(), 0)
}

func TestClientClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))

	connectTestClient(t, client, dialer)
	queued := client.SendAfterAuthed("x")

	client.Close()
	_, err := waitResult(t, queued)
	assert.Equal(t, err, ErrConnectionClosed)
	_, err = waitResult(t, client.Connect())
	assert.Equal(t, err, ErrClientClosed)
	_, err = waitResult(t, client.SendAfterAuthed("y"))
	assert.Equal(t, err, ErrClientClosed)
}

func TestClientServerTime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	deviceId := NewId().String()
	deviceStore := NewMemoryDeviceStoreWithDevice(Device{
		DeviceId: deviceId,
	})
	settings := testClientSettings(dialer)
	settings.DeviceStore = deviceStore
	client := NewClient(ctx, "ws://test", settings)
	defer client.Close()
	assert.Equal(t, client.Get().DeviceId, deviceId)

	connected := client.Connect()
	serverSocket := dialer.next(t)
	sendHandshake(t, serverSocket, time.Now().Add(time.Hour))
	_, err := waitResult(t, connected)
	assert.Equal(t, err, nil)

	offset := client.Get().ServerTimeOffset
	assert.Equal(t, 59*time.Minute < offset && offset <= time.Hour, true)

	now := client.GetNow()
	expected := time.Now().Add(time.Hour).UnixMilli()
	assert.Equal(t, expected-1000 < now && now <= expected, true)
	assert.Equal(t, client.GetDate().After(time.Now().Add(59*time.Minute)), true)

	device, err := deviceStore.LoadDevice()
	assert.Equal(t, err, nil)
	assert.Equal(t, device.DeviceId, deviceId)
	assert.Equal(t, device.ServerTimeOffset, offset)
}

func TestApiPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newTestDialer()
	client := NewClient(ctx, "ws://test", testClientSettings(dialer))
	defer client.Close()

	api := client.Api()
	assert.Equal(t, api.Path("math").Path("add").String(), "math.add")
	assert.Equal(t, api.Path("chat.room", "send").String(), "chat.room.send")

	serverSocket := connectTestClient(t, client, dialer)

	future := api.Path("math", "add").Call(2, 3)
	assert.Equal(t, readMessage(t, serverSocket), `{"r":1,"a":"math.add","d":[2,3]}`)
	writeMessage(t, serverSocket, `{"r":1,"d":5}`)
	sum, err := Result[int](ctx, future)
	assert.Equal(t, err, nil)
	assert.Equal(t, sum, 5)

	callback, results := NewBlockingApiCallback[string]()
	Call[string](client, "echo", callback, "hi")
	assert.Equal(t, readMessage(t, serverSocket), `{"r":2,"a":"echo","d":["hi"]}`)
	writeMessage(t, serverSocket, `{"r":2,"d":"hi"}`)
	select {
	case r := <-results:
		assert.Equal(t, r.Error, nil)
		assert.Equal(t, r.Result, "hi")
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for callback")
	}
}
