package connect

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectBackoff(t *testing.T) {
	reconnect := NewReconnectWithRandom(time.Second, 4, func() float64 {
		return 1
	})

	backoffs := []time.Duration{}
	for i := 0; i < 7; i += 1 {
		backoffs = append(backoffs, reconnect.NextBackoff())
	}
	assert.Equal(t, backoffs, []time.Duration{
		0,
		1 * time.Second,
		3 * time.Second,
		7 * time.Second,
		15 * time.Second,
		15 * time.Second,
		15 * time.Second,
	})
	assert.Equal(t, reconnect.Retries(), 4)
	assert.Equal(t, reconnect.MaxBackoff(), 15*time.Second)

	reconnect.Reset()
	assert.Equal(t, reconnect.Retries(), 0)
	assert.Equal(t, reconnect.NextBackoff(), time.Duration(0))
	assert.Equal(t, reconnect.NextBackoff(), time.Second)
}

func TestReconnectBackoffJitter(t *testing.T) {
	assert.Equal(t, ReconnectBackoff(2, time.Second, 0.5), 1500*time.Millisecond)
	assert.Equal(t, ReconnectBackoff(2, time.Second, 0), time.Duration(0))
	// rounded to the millisecond
	assert.Equal(t, ReconnectBackoff(1, time.Second, 0.12345), 123*time.Millisecond)

	reconnect := NewReconnect(time.Second, 4)
	previousMax := time.Duration(0)
	for i := 0; i < 16; i += 1 {
		maxBackoff := reconnect.MaxBackoff()
		backoff := reconnect.NextBackoff()
		assert.Equal(t, 0 <= backoff && backoff <= maxBackoff, true)
		// the exponent never decreases
		assert.Equal(t, previousMax <= maxBackoff, true)
		previousMax = maxBackoff
	}
}
