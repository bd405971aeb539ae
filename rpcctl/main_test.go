package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/sockrpc/connect"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"1", `{"a":1}`, "hello", `"quoted"`})
	assert.Equal(t, args, []any{
		json.RawMessage("1"),
		json.RawMessage(`{"a":1}`),
		"hello",
		json.RawMessage(`"quoted"`),
	})
}

func TestServeNamespace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := connect.NewServerWithDefaults(ctx, serveNamespace([]byte("secret")))
	defer server.Close()

	settings := connect.DefaultClientSettings()
	settings.Dialer = connect.NewPipeDialer(64, server.ServeSocket)
	client := connect.NewClient(ctx, "pipe://", settings)
	defer client.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()

	_, err := client.Connect().Result(waitCtx)
	assert.Equal(t, err, nil)

	sum, err := connect.Result[float64](waitCtx, client.Send("math.add", 1, 2))
	assert.Equal(t, err, nil)
	assert.Equal(t, sum, float64(3))

	ticks := 0
	result, err := client.SendStream(waitCtx, "clock.ticks", func(item json.RawMessage) {
		ticks += 1
	}, 3, 10).Result(waitCtx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result), 0)
	assert.Equal(t, ticks, 3)

	_, err = client.Send("clock.ticks", 0, 10).Result(waitCtx)
	assert.NotEqual(t, err, nil)

	jwt, err := connect.NewAuthJwt(&connect.AuthJwt{Subject: "user1"}, []byte("secret"), time.Hour)
	assert.Equal(t, err, nil)
	_, err = client.Auth(jwt).Result(waitCtx)
	assert.Equal(t, err, nil)
	subject, err := connect.Result[string](waitCtx, client.Send("whoami"))
	assert.Equal(t, err, nil)
	assert.Equal(t, subject, "user1")
}
