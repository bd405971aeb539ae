package connect

import (
	"time"
)

// ConnectionState is the published state of a client.
// Invariant: `Authed` implies `Connected`, `Connected` implies `Online`.
// States are compared structurally; callbacks fire only when a field changes.
type ConnectionState struct {
	Online           bool
	Connected        bool
	Authed           bool
	ServerTimeOffset time.Duration
	ServerVersion    string
	DeviceId         string
}

type StateFunction func(state ConnectionState)

func (self ConnectionState) disconnected() ConnectionState {
	self.Connected = false
	self.Authed = false
	return self
}

func (self ConnectionState) offline() ConnectionState {
	self.Online = false
	return self.disconnected()
}

type socketState int

const (
	socketNone socketState = iota
	// dialing the transport
	socketDialing
	// transport is open, waiting for the handshake frame
	socketOpen
	// handshake completed and open callbacks settled
	socketConnected
)

func (self socketState) String() string {
	switch self {
	case socketNone:
		return "none"
	case socketDialing:
		return "dialing"
	case socketOpen:
		return "open"
	case socketConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// stateUpdate is a state change to publish after the state lock is released.
type stateUpdate struct {
	changed bool
	state   ConnectionState
}

func (self *Client) setStateLocked(state ConnectionState) stateUpdate {
	if !state.Online {
		state = state.offline()
	} else if !state.Connected {
		state.Authed = false
	}
	if self.state == state {
		return stateUpdate{}
	}
	self.state = state
	return stateUpdate{
		changed: true,
		state:   state,
	}
}

func (self *Client) publishState(update stateUpdate) {
	if !update.changed {
		return
	}
	self.log("state %+v", update.state)
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(update.state)
		})
	}
}
