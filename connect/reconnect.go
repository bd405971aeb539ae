package connect

import (
	"math"
	mathrand "math/rand"
	"time"
)

// Reconnect computes randomized exponential backoff:
//
//	backoff = round(random() * (2^retries - 1) * baseTimeout)
//	retries = min(maxExponent, retries + 1)
//
// The first reconnect after a reset is immediate.
type Reconnect struct {
	baseTimeout time.Duration
	maxExponent int
	random      func() float64

	retries int
}

func NewReconnect(baseTimeout time.Duration, maxExponent int) *Reconnect {
	return NewReconnectWithRandom(baseTimeout, maxExponent, mathrand.Float64)
}

func NewReconnectWithRandom(baseTimeout time.Duration, maxExponent int, random func() float64) *Reconnect {
	return &Reconnect{
		baseTimeout: baseTimeout,
		maxExponent: maxExponent,
		random:      random,
	}
}

// NextBackoff returns the delay for the next attempt and advances the exponent.
func (self *Reconnect) NextBackoff() time.Duration {
	backoff := ReconnectBackoff(self.retries, self.baseTimeout, self.random())
	self.retries = min(self.maxExponent, self.retries+1)
	return backoff
}

// MaxBackoff is the ceiling of the backoff at the current exponent.
func (self *Reconnect) MaxBackoff() time.Duration {
	return ReconnectBackoff(self.retries, self.baseTimeout, 1)
}

func (self *Reconnect) Retries() int {
	return self.retries
}

func (self *Reconnect) Reset() {
	self.retries = 0
}

func ReconnectBackoff(retries int, baseTimeout time.Duration, random float64) time.Duration {
	scale := random * (math.Pow(2, float64(retries)) - 1)
	return time.Duration(math.Round(scale*float64(baseTimeout/time.Millisecond))) * time.Millisecond
}
