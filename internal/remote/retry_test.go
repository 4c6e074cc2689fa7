package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_IsTransient(t *testing.T) {
	p := DefaultRetryPolicy()

	transient := []string{
		"Connection reset by peer",
		"ssh: handshake failed: read tcp: connection timed out",
		"write: BROKEN PIPE",
		"dial tcp 10.0.0.5:22: connect: no route to host",
		"kex_exchange_identification: Connection closed by remote host",
	}
	for _, msg := range transient {
		assert.True(t, p.IsTransient(msg), "expected transient: %s", msg)
	}

	permanent := []string{
		"Command not found",
		"Process exited with status 1",
		"permission denied while trying to connect to the Docker daemon",
		"",
	}
	for _, msg := range permanent {
		assert.False(t, p.IsTransient(msg), "expected permanent: %s", msg)
	}
}

func TestRetryPolicy_CustomCatalog(t *testing.T) {
	p := RetryPolicy{Patterns: []string{"flaky widget"}, MaxRetries: 3}
	assert.True(t, p.IsTransient("the Flaky Widget exploded"))
	assert.False(t, p.IsTransient("connection reset by peer"))
}

func TestRetryPolicy_BackoffSeconds(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 2, p.BackoffSeconds(0))
	assert.Equal(t, 4, p.BackoffSeconds(1))
	assert.Equal(t, 8, p.BackoffSeconds(2))
	assert.Equal(t, 16, p.BackoffSeconds(3))
	// Capped at MaxDelaySeconds from here on.
	assert.Equal(t, 30, p.BackoffSeconds(4))
	assert.Equal(t, 30, p.BackoffSeconds(10))
}

func TestRetryPolicy_BackoffRespectsBase(t *testing.T) {
	p := RetryPolicy{BaseDelaySeconds: 5, Multiplier: 3, MaxDelaySeconds: 60, MaxRetries: 4}
	assert.Equal(t, 5, p.BackoffSeconds(0))
	assert.Equal(t, 15, p.BackoffSeconds(1))
	assert.Equal(t, 45, p.BackoffSeconds(2))
	assert.Equal(t, 60, p.BackoffSeconds(3))
}
