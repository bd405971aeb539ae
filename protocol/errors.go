package protocol

// ProtocolError is a recoverable error in the shape of an inbound frame.
// The message is sent verbatim as the `err` of the reply.
type ProtocolError struct {
	Message string
}

func (self *ProtocolError) Error() string {
	return self.Message
}

var (
	ErrIncorrectMessageFormat = &ProtocolError{"Incorrect message format, expecting valid JSON"}
	ErrIncorrectJson          = &ProtocolError{"Incorrect JSON format"}
	ErrInvalidMessageProtocol = &ProtocolError{"Invalid message protocol"}
	ErrUnknownAction          = &ProtocolError{"Unknown action"}
)
