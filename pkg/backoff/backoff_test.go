package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayDoubling(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	assert.Equal(t, 1*time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 32*time.Second, cfg.Delay(6))
}

func TestDelayCap(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	// 2^9 seconds would be 512s; must be clamped to the cap.
	assert.Equal(t, 60*time.Second, cfg.Delay(10))
	// Absurd attempt counts must not overflow.
	assert.Equal(t, 60*time.Second, cfg.Delay(500))
}

func TestDelayJitterRange(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterMax: time.Second}

	for i := 0; i < 100; i++ {
		d := cfg.Delay(1)
		assert.GreaterOrEqual(t, d, 1*time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestDelayAttemptFloor(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	assert.Equal(t, cfg.Delay(1), cfg.Delay(0))
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	assert.Error(t, Config{BaseDelay: 0, MaxDelay: time.Second}.Validate())
	assert.Error(t, Config{BaseDelay: 2 * time.Second, MaxDelay: time.Second}.Validate())
	assert.Error(t, Config{BaseDelay: time.Second, MaxDelay: time.Second, JitterMax: -1}.Validate())
}

func TestSleepInterrupted(t *testing.T) {
	cfg := Config{BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second}
	done := make(chan struct{})
	close(done)

	start := time.Now()
	ok := cfg.Sleep(done, 1)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}
