package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/iec"
)

// Walk randomly changes points every interval until ctx is done.
// Bool points toggle rarely, numeric points drift.
func (self *Host) Walk(ctx context.Context, points []iec.Address, interval time.Duration, rnd *rand.Rand) {
	if len(points) == 0 || interval <= 0 {
		return
	}
	if rnd == nil {
		rnd = helpers.RandUnix()
	}
	tm := time.NewTicker(interval)
	defer tm.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.C:
		}
		for _, addr := range points {
			old, _ := self.Get(addr)
			self.Set(addr, iec.Value{Value: step(old.Value, rnd), Timestamp: now()})
		}
	}
}

func step(v interface{}, rnd *rand.Rand) interface{} {
	switch x := v.(type) {
	case bool:
		if rnd.Intn(10) == 0 {
			return !x
		}
		return x
	case iec.DoublePoint:
		if rnd.Intn(10) == 0 {
			if x == iec.DoublePointOn {
				return iec.DoublePointOff
			}
			return iec.DoublePointOn
		}
		return x
	case int16:
		return x + int16(rnd.Intn(21)-10)
	case float32:
		return x + float32(rnd.NormFloat64())
	}
	return float32(rnd.NormFloat64())
}
