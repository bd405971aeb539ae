package connect

import (
	"context"
	"encoding/json"
	"strings"
)

type ApiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (ApiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// ApiPath accumulates a dotted action path on a client.
//
//	client.Api().Path("math").Path("add").Call(2, 3)
type ApiPath struct {
	client *Client
	path   []string
}

func NewApiPath(client *Client, path ...string) *ApiPath {
	return &ApiPath{
		client: client,
		path:   path,
	}
}

// Path returns a new path. Names may themselves be dotted.
func (self *ApiPath) Path(names ...string) *ApiPath {
	path := append([]string{}, self.path...)
	for _, name := range names {
		path = append(path, strings.Split(name, ".")...)
	}
	return &ApiPath{
		client: self.client,
		path:   path,
	}
}

func (self *ApiPath) String() string {
	return strings.Join(self.path, ".")
}

func (self *ApiPath) Call(args ...any) *Future[json.RawMessage] {
	return self.client.Send(self.String(), args...)
}

func (self *ApiPath) CallAfterAuthed(args ...any) *Future[json.RawMessage] {
	return self.client.SendAfterAuthed(self.String(), args...)
}

func (self *ApiPath) Stream(ctx context.Context, onItem StreamFunction, args ...any) *Future[json.RawMessage] {
	return self.client.SendStream(ctx, self.String(), onItem, args...)
}

// Call sends the action and decodes the result into the callback.
func Call[R any](client *Client, action string, callback ApiCallback[R], args ...any) {
	client.Send(action, args...).OnSettle(func(result json.RawMessage, err error) {
		var r R
		if err == nil {
			r, err = decodeResult[R](result)
		}
		callback.Result(r, err)
	})
}

// Result waits for the future and decodes the result.
// An absent result is the zero value of `R`.
func Result[R any](ctx context.Context, future *Future[json.RawMessage]) (R, error) {
	result, err := future.Result(ctx)
	if err != nil {
		var r R
		return r, err
	}
	return decodeResult[R](result)
}

func decodeResult[R any](result json.RawMessage) (R, error) {
	var r R
	if len(result) == 0 {
		return r, nil
	}
	err := json.Unmarshal(result, &r)
	return r, err
}
