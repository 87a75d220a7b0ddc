package atomic_clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Parallel()

	const delta = 100 * time.Millisecond
	var c Clock
	assert.True(t, c.Time().IsZero())
	assert.True(t, Since(&c) > time.Hour, "zero clock is long ago")

	c.SetNow()
	assert.InDelta(t, time.Now().UnixNano(), c.Time().UnixNano(), float64(delta))
	assert.True(t, Since(&c) < delta)
}

func TestConcurrent(t *testing.T) {
	t.Parallel()

	var c Clock
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetNow()
				_ = c.Time()
			}
		}()
	}
	wg.Wait()
	assert.False(t, c.Time().IsZero())
}
