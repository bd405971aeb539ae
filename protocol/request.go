package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Request is a validated inbound request frame.
type Request struct {
	RequestId json.Number
	Action    string
	Args      []json.RawMessage
}

// ParseRequest validates the frame shape using the raw JSON kinds,
// so that e.g. `"r":"7"` is rejected rather than coerced.
func ParseRequest(message []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(message, &fields); err != nil {
		var v any
		if json.Unmarshal(message, &v) == nil {
			// valid json, but not an object
			return nil, ErrInvalidMessageProtocol
		}
		return nil, ErrIncorrectJson
	}
	if fields == nil {
		// `null`
		return nil, ErrInvalidMessageProtocol
	}

	actionRaw, ok := fields["a"]
	if !ok || kindOf(actionRaw) != '"' {
		return nil, ErrInvalidMessageProtocol
	}
	requestIdRaw, ok := fields["r"]
	if !ok || kindOf(requestIdRaw) != '0' {
		return nil, ErrInvalidMessageProtocol
	}

	request := &Request{}
	if err := json.Unmarshal(actionRaw, &request.Action); err != nil {
		return nil, ErrInvalidMessageProtocol
	}
	request.RequestId = json.Number(bytes.TrimSpace(requestIdRaw))

	if dataRaw, ok := fields["d"]; ok {
		switch kindOf(dataRaw) {
		case 'n':
			// null is treated as absent
		case '[':
			if err := json.Unmarshal(dataRaw, &request.Args); err != nil {
				return nil, ErrInvalidMessageProtocol
			}
		default:
			return nil, ErrInvalidMessageProtocol
		}
	}
	if request.Args == nil {
		request.Args = []json.RawMessage{}
	}
	return request, nil
}

// IsReserved is true for underscore prefixed actions, which are never routed to user code.
func (self *Request) IsReserved() bool {
	return strings.HasPrefix(self.Action, "_")
}

func (self *Request) IsAbort() bool {
	return self.Action == AbortAction
}

// Path splits the action into namespace segments and the final action name.
func (self *Request) Path() (namespaces []string, name string) {
	parts := strings.Split(self.Action, ".")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// RequestIdKey canonicalizes a request id so that `7` and `7.0` address the same request.
func RequestIdKey(requestId json.Number) (float64, bool) {
	f, err := strconv.ParseFloat(string(requestId), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// kindOf returns '"' string, '0' number, '[' array, '{' object, 'n' null, 'b' bool.
func kindOf(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	switch c := raw[0]; {
	case c == '"', c == '[', c == '{':
		return c
	case c == 'n':
		return 'n'
	case c == 't', c == 'f':
		return 'b'
	case c == '-', '0' <= c && c <= '9':
		return '0'
	default:
		return 0
	}
}
