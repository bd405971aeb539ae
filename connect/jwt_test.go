package connect

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/go-playground/assert/v2"
)

func TestAuthJwt(t *testing.T) {
	secret := []byte("secret")
	issuedAt := time.Now().Truncate(time.Second)

	jwt, err := NewAuthJwt(&AuthJwt{
		Subject:  "user1",
		DeviceId: "device1",
		IssuedAt: issuedAt,
	}, secret, time.Hour)
	assert.Equal(t, err, nil)

	authJwt, err := ParseAuthJwt(jwt, secret)
	assert.Equal(t, err, nil)
	assert.Equal(t, authJwt.Subject, "user1")
	assert.Equal(t, authJwt.DeviceId, "device1")
	assert.Equal(t, authJwt.IssuedAt.Equal(issuedAt), true)
	assert.Equal(t, authJwt.ExpiresAt.Equal(issuedAt.Add(time.Hour)), true)

	_, err = ParseAuthJwt(jwt, []byte("other"))
	assert.NotEqual(t, err, nil)

	unverified, err := ParseAuthJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, unverified.Subject, "user1")

	_, err = NewAuthJwt(&AuthJwt{}, secret, 0)
	assert.Equal(t, err, ErrMissingSubject)
}

func TestAuthJwtExpired(t *testing.T) {
	secret := []byte("secret")
	jwt, err := NewAuthJwt(&AuthJwt{
		Subject:  "user1",
		IssuedAt: time.Now().Add(-2 * time.Hour),
	}, secret, time.Hour)
	assert.Equal(t, err, nil)

	_, err = ParseAuthJwt(jwt, secret)
	assert.NotEqual(t, err, nil)
}

func TestAuthJwtRejectsOtherMethods(t *testing.T) {
	secret := []byte("secret")
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS512, gojwt.MapClaims{
		"sub": "user1",
	})
	jwt, err := token.SignedString(secret)
	assert.Equal(t, err, nil)

	_, err = ParseAuthJwt(jwt, secret)
	assert.NotEqual(t, err, nil)
}

func TestJwtAuthAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("secret")
	server := NewServerWithDefaults(ctx, Namespace{})
	clientSocket, serverSocket := NewPipeSocketPair(64)
	defer clientSocket.Close()
	peer := server.NewPeer(serverSocket)

	action := JwtAuthAction(secret)

	jwtArg := func(jwt string) Args {
		arg, err := json.Marshal(jwt)
		assert.Equal(t, err, nil)
		return Args{arg}
	}

	result, err := action(ctx, peer, Args{})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, nil)

	result, err = action(ctx, peer, jwtArg("not a jwt"))
	assert.Equal(t, err, nil)
	assert.Equal(t, result, nil)
	assert.Equal(t, peer.AuthSubject(), "")

	jwt, err := NewAuthJwt(&AuthJwt{Subject: "user1"}, secret, time.Hour)
	assert.Equal(t, err, nil)
	result, err = action(ctx, peer, jwtArg(jwt))
	assert.Equal(t, err, nil)
	assert.Equal(t, result, "user1")
	assert.Equal(t, peer.AuthSubject(), "user1")
}
