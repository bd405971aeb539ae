// Package protocol defines the frames exchanged between a sockrpc client and server.
//
// Each frame is one JSON object sent as one text message on the socket:
//
//	r    request id, correlates a request with its replies
//	a    dotted action path (requests only)
//	d    positional args (request) or result value (reply)
//	err  error message (error replies)
//	s    1 when d is one item of a stream
//	p    channel tag of an unsolicited push
//	ts   server epoch millis (handshake only)
//	v    server version (handshake only)
//
// A reply that carries only r is the normal end of a stream.
package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

const AbortAction = "_abort"
const AuthAction = "auth"

const DefaultPushChannel = 1

type Frame struct {
	RequestId json.Number     `json:"r,omitempty"`
	Action    string          `json:"a,omitempty"`
	Data      json.RawMessage `json:"d,omitempty"`
	Error     string          `json:"err,omitempty"`
	Stream    int             `json:"s,omitempty"`
	Push      *int            `json:"p,omitempty"`
	Timestamp *int64          `json:"ts,omitempty"`
	Version   string          `json:"v,omitempty"`
}

func NewHandshakeFrame(now time.Time, version string) *Frame {
	ts := now.UnixMilli()
	return &Frame{
		Timestamp: &ts,
		Version:   version,
	}
}

func NewRequestFrame(requestId uint64, action string, args []any) (*Frame, error) {
	frame := &Frame{
		RequestId: RequestIdNumber(requestId),
		Action:    action,
	}
	if 0 < len(args) {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		frame.Data = data
	}
	return frame, nil
}

// NewReplyFrame encodes a single result. A nil value omits `d`.
func NewReplyFrame(requestId json.Number, value any) (*Frame, error) {
	frame := &Frame{
		RequestId: requestId,
	}
	if value != nil {
		data, err := encodeValue(value)
		if err != nil {
			return nil, err
		}
		frame.Data = data
	}
	return frame, nil
}

func NewStreamItemFrame(requestId json.Number, value any) (*Frame, error) {
	frame, err := NewReplyFrame(requestId, value)
	if err != nil {
		return nil, err
	}
	frame.Stream = 1
	return frame, nil
}

func NewErrorFrame(requestId json.Number, message string) *Frame {
	if message == "" {
		// an empty `err` is indistinguishable from a successful empty reply
		message = "Unknown error"
	}
	return &Frame{
		RequestId: requestId,
		Error:     message,
	}
}

func NewPushFrame(channel int, value any) (*Frame, error) {
	if channel == 0 {
		channel = DefaultPushChannel
	}
	frame := &Frame{
		Push: &channel,
	}
	if value != nil {
		data, err := encodeValue(value)
		if err != nil {
			return nil, err
		}
		frame.Data = data
	}
	return frame, nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func RequestIdNumber(requestId uint64) json.Number {
	return json.Number(strconv.FormatUint(requestId, 10))
}

func (self *Frame) IsHandshake() bool {
	return self.Timestamp != nil
}

func (self *Frame) IsPush() bool {
	return self.Push != nil && self.RequestId == ""
}

func (self *Frame) IsError() bool {
	return self.Error != ""
}

func (self *Frame) IsStreamItem() bool {
	return self.Stream != 0
}

// HasData is false when `d` is absent. A JSON `null` is present.
func (self *Frame) HasData() bool {
	return 0 < len(self.Data)
}

// ClientRequestId parses `r` as a client assigned id.
func (self *Frame) ClientRequestId() (uint64, bool) {
	if self.RequestId == "" {
		return 0, false
	}
	requestId, err := strconv.ParseUint(string(self.RequestId), 10, 64)
	if err != nil {
		return 0, false
	}
	return requestId, true
}

func (self *Frame) ServerTime() time.Time {
	if self.Timestamp == nil {
		return time.Time{}
	}
	return time.UnixMilli(*self.Timestamp)
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(message []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(message, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
