package connect

import (
	"errors"
)

var ErrOffline = errors.New("offline")
var ErrConnectionClosed = errors.New("connection closed")
var ErrConnectionTimeout = errors.New("connection timeout")
var ErrClientClosed = errors.New("client closed")

// ServerError is an error reply from the server. `Message` is the server supplied text.
type ServerError struct {
	Action  string
	Message string
}

func (self *ServerError) Error() string {
	return self.Message
}
