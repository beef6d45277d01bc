package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_DefaultsToEpoch(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock(time.Time{})

	got := c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())

	// Negative durations do not move time backwards
	c.Advance(-time.Hour)
	assert.Equal(t, got, c.Now())
}

func TestManualClock_SetIsMonotonic(t *testing.T) {
	c := NewManualClock(time.Time{})
	later := Epoch.Add(time.Hour)

	c.Set(later)
	assert.Equal(t, later, c.Now())

	c.Set(Epoch)
	assert.Equal(t, later, c.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClock(time.Time{})
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	require.Equal(t, Epoch.Add(goroutines*time.Second), c.Now())
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("")
	assert.Equal(t, "evt-000001", g.NewID())
	assert.Equal(t, "evt-000002", g.NewID())

	g.Reset()
	assert.Equal(t, "evt-000001", g.NewID())

	custom := NewSequentialIDs("run")
	assert.Equal(t, "run-000001", custom.NewID())
}
