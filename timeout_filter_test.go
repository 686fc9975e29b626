package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutFilter(t *testing.T) {
	f := newTimeoutFilter()
	assert.Equal(t, rpcCallTimeoutMax, f.stallTimeout())

	for i := 0; i < timeoutFilterMinSamples-1; i++ {
		f.update(200 * time.Millisecond)
	}
	assert.Equal(t, rpcCallTimeoutMax, f.stallTimeout(), "too few samples")
	f.update(200 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, f.stallTimeout())

	// The slowest tenth doesn't move the stall timeout.
	for i := 0; i < timeoutFilterSamples; i++ {
		if i%20 == 0 {
			f.update(5 * time.Second)
		} else {
			f.update(300 * time.Millisecond)
		}
	}
	assert.Equal(t, 300*time.Millisecond, f.stallTimeout())

	for i := 0; i < timeoutFilterSamples; i++ {
		f.update(time.Millisecond)
	}
	assert.Equal(t, rpcCallTimeoutMin, f.stallTimeout())

	for i := 0; i < timeoutFilterSamples; i++ {
		f.update(time.Minute)
	}
	assert.Equal(t, rpcCallTimeoutMax, f.stallTimeout())
}
