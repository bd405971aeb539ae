package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Action is a callable in a namespace.
// The result is sent as the reply, unless it is a `*Stream` or a `*Future[any]`.
// Actions of a peer run in receipt order. An action that blocks should return `Async`.
type Action func(ctx context.Context, peer *Peer, args Args) (any, error)

// Async runs `do` on its own goroutine. The reply is sent when `do` returns,
// without holding up the actions after it.
func Async(do func() (any, error)) *Future[any] {
	future := NewFuture[any]()
	go HandleError(func() {
		result, err := do()
		if err != nil {
			future.Reject(err)
		} else {
			future.Resolve(result)
		}
	}, func(err error) {
		future.Reject(err)
	})
	return future
}

// Namespace is a tree of actions addressed by dotted path.
// Values are `Action` or nested `Namespace`.
type Namespace map[string]any

// Resolve returns nil if the path does not name an action.
func (self Namespace) Resolve(path string) Action {
	parts := strings.Split(path, ".")
	namespace := self
	for _, name := range parts[:len(parts)-1] {
		switch v := namespace[name].(type) {
		case Namespace:
			namespace = v
		case map[string]any:
			namespace = Namespace(v)
		default:
			return nil
		}
	}
	switch v := namespace[parts[len(parts)-1]].(type) {
	case Action:
		return v
	case func(context.Context, *Peer, Args) (any, error):
		return v
	default:
		return nil
	}
}

// Args are the positional args of a request.
type Args []json.RawMessage

func (self Args) Len() int {
	return len(self)
}

// Decode decodes arg `i` into `v`. A missing arg leaves `v` unchanged.
func (self Args) Decode(i int, v any) error {
	if i < 0 || len(self) <= i {
		return nil
	}
	if err := json.Unmarshal(self[i], v); err != nil {
		return fmt.Errorf("arg %d: %w", i, err)
	}
	return nil
}

func Arg[T any](args Args, i int) (T, error) {
	var v T
	err := args.Decode(i, &v)
	return v, err
}

func Func0[R any](f func(ctx context.Context, peer *Peer) (R, error)) Action {
	return func(ctx context.Context, peer *Peer, args Args) (any, error) {
		return f(ctx, peer)
	}
}

func Func1[A any, R any](f func(ctx context.Context, peer *Peer, a A) (R, error)) Action {
	return func(ctx context.Context, peer *Peer, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return f(ctx, peer, a)
	}
}

func Func2[A any, B any, R any](f func(ctx context.Context, peer *Peer, a A, b B) (R, error)) Action {
	return func(ctx context.Context, peer *Peer, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return f(ctx, peer, a, b)
	}
}

func Func3[A any, B any, C any, R any](f func(ctx context.Context, peer *Peer, a A, b B, c C) (R, error)) Action {
	return func(ctx context.Context, peer *Peer, args Args) (any, error) {
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := Arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return f(ctx, peer, a, b, c)
	}
}
