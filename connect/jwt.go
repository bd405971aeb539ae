package connect

import (
	"context"
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

var ErrMissingSubject = errors.New("missing subject")

type AuthJwt struct {
	Subject   string
	DeviceId  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NewAuthJwt signs an HS256 token. A `ttl` of 0 does not expire.
func NewAuthJwt(authJwt *AuthJwt, secret []byte, ttl time.Duration) (string, error) {
	if authJwt.Subject == "" {
		return "", ErrMissingSubject
	}
	issuedAt := authJwt.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	claims := gojwt.MapClaims{
		"sub": authJwt.Subject,
		"iat": issuedAt.Unix(),
	}
	if authJwt.DeviceId != "" {
		claims["device_id"] = authJwt.DeviceId
	}
	if 0 < ttl {
		claims["exp"] = issuedAt.Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func ParseAuthJwt(jwt string, secret []byte) (*AuthJwt, error) {
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	token, err := parser.Parse(jwt, func(token *gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	return authJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

// ParseAuthJwtUnverified reads the claims without checking the signature.
func ParseAuthJwtUnverified(jwt string) (*AuthJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return authJwtFromClaims(token.Claims.(gojwt.MapClaims))
}

func authJwtFromClaims(claims gojwt.MapClaims) (*AuthJwt, error) {
	authJwt := &AuthJwt{}

	subject, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, ErrMissingSubject
	}
	authJwt.Subject = subject

	if deviceId, ok := claims["device_id"].(string); ok {
		authJwt.DeviceId = deviceId
	}
	if issuedAt, err := claims.GetIssuedAt(); err == nil && issuedAt != nil {
		authJwt.IssuedAt = issuedAt.Time
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		authJwt.ExpiresAt = expiresAt.Time
	}
	return authJwt, nil
}

// JwtAuthAction verifies the credential as an HS256 token and records the subject on the peer.
// The result is the subject. An invalid token results in nil, which is a failed auth and not an error.
func JwtAuthAction(secret []byte) Action {
	return func(ctx context.Context, peer *Peer, args Args) (any, error) {
		var jwt string
		if err := args.Decode(0, &jwt); err != nil || jwt == "" {
			return nil, nil
		}
		authJwt, err := ParseAuthJwt(jwt, secret)
		if err != nil {
			glog.V(LogLevelInfo).Infof("[s]%s auth err = %s\n", peer.PeerId(), err)
			return nil, nil
		}
		peer.SetAuthSubject(authJwt.Subject)
		return authJwt.Subject, nil
	}
}
