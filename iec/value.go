package iec

import (
	"fmt"
	"strings"
	"time"
)

// Quality descriptor bits as they appear in QDS/SIQ/DIQ.
type Quality uint8

const (
	QualityGood        Quality = 0
	QualityOverflow    Quality = 0x01
	QualityBlocked     Quality = 0x10
	QualitySubstituted Quality = 0x20
	QualityNotTopical  Quality = 0x40
	QualityInvalid     Quality = 0x80
)

func (q Quality) Good() bool { return q&(QualityInvalid|QualityNotTopical) == 0 }

func (q Quality) String() string {
	if q == QualityGood {
		return "good"
	}
	parts := make([]string, 0, 5)
	for _, x := range []struct {
		bit  Quality
		name string
	}{
		{QualityInvalid, "invalid"},
		{QualityNotTopical, "not-topical"},
		{QualitySubstituted, "substituted"},
		{QualityBlocked, "blocked"},
		{QualityOverflow, "overflow"},
	} {
		if q&x.bit != 0 {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, ",")
}

type DoublePoint uint8

const (
	DoublePointIndeterminate DoublePoint = 0
	DoublePointOff           DoublePoint = 1
	DoublePointOn            DoublePoint = 2
	DoublePointFaulty        DoublePoint = 3
)

func (d DoublePoint) String() string {
	switch d {
	case DoublePointOff:
		return "off"
	case DoublePointOn:
		return "on"
	case DoublePointFaulty:
		return "faulty"
	}
	return "indeterminate"
}

// Value is one point sample as delivered by engine.
// Value.Value holds bool, DoublePoint, int16, int32, float32 or uint32 (bitstring).
type Value struct {
	Value     interface{}
	Timestamp time.Time
	Quality   Quality
	Overflow  bool
}

func (v Value) String() string {
	ts := "-"
	if !v.Timestamp.IsZero() {
		ts = v.Timestamp.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("value=%v quality=%s time=%s", v.Value, v.Quality, ts)
}

// Float returns numeric representation of any supported value type.
func (v Value) Float() (float64, bool) {
	switch x := v.Value.(type) {
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case DoublePoint:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
