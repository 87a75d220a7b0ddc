// Package atomic_clock keeps last-event timestamps read concurrently with writers.
// Do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func source() int64 { return time.Now().UnixNano() }

func (c *Clock) get() int64 { return atomic.LoadInt64(&c.v) }

func (c *Clock) SetNow() { atomic.StoreInt64(&c.v, source()) }

// Time returns zero time.Time for zero clock.
func (c *Clock) Time() time.Time {
	v := c.get()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Since zero clock is time since epoch, callers treat it as long ago.
func Since(begin *Clock) time.Duration { return time.Duration(source() - begin.get()) }
