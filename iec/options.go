package iec

import (
	"time"

	"github.com/juju/errors"
)

// ProtocolOptions are opaque to session manager and passed to engine as is.
type ProtocolOptions struct {
	T1 time.Duration // send or test APDU timeout
	T2 time.Duration // acknowledge timeout when no data
	T3 time.Duration // idle timeout before test frame

	AcknowledgeWindow int // w
	MaxUnacknowledged int // k

	ASDUAddressSize     int // octets, 1 or 2
	IOASize             int // octets, 1..3
	CauseOfTransmission int // octets, 1 or 2
	CauseSourceAddress  uint8

	TimeZone                 *time.Location
	IgnoreDaylightSavingTime bool
}

func DefaultProtocolOptions() ProtocolOptions {
	return ProtocolOptions{
		T1:                  15 * time.Second,
		T2:                  10 * time.Second,
		T3:                  20 * time.Second,
		AcknowledgeWindow:   10,
		MaxUnacknowledged:   15,
		ASDUAddressSize:     2,
		IOASize:             3,
		CauseOfTransmission: 2,
		TimeZone:            time.UTC,
	}
}

func (o *ProtocolOptions) Validate() error {
	switch {
	case o.T1 <= 0 || o.T2 <= 0 || o.T3 <= 0:
		return errors.NotValidf("protocol timeouts t1=%s t2=%s t3=%s", o.T1, o.T2, o.T3)
	case o.T2 >= o.T1:
		return errors.NotValidf("protocol t2=%s must be less than t1=%s", o.T2, o.T1)
	case o.AcknowledgeWindow <= 0 || o.MaxUnacknowledged <= 0:
		return errors.NotValidf("protocol w=%d k=%d", o.AcknowledgeWindow, o.MaxUnacknowledged)
	case o.AcknowledgeWindow > o.MaxUnacknowledged:
		return errors.NotValidf("protocol w=%d must not exceed k=%d", o.AcknowledgeWindow, o.MaxUnacknowledged)
	case o.ASDUAddressSize != 1 && o.ASDUAddressSize != 2:
		return errors.NotValidf("protocol asdu_address_size=%d", o.ASDUAddressSize)
	case o.IOASize < 1 || o.IOASize > 3:
		return errors.NotValidf("protocol ioa_size=%d", o.IOASize)
	case o.CauseOfTransmission != 1 && o.CauseOfTransmission != 2:
		return errors.NotValidf("protocol cot_size=%d", o.CauseOfTransmission)
	}
	return nil
}

type DataModuleOptions struct {
	// Drop spontaneous background scan (COT=2) data.
	IgnoreBackgroundScan bool
}

type Options struct {
	Protocol ProtocolOptions
	Data     DataModuleOptions
}
