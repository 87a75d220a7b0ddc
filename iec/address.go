// Package iec is the vocabulary shared between the session manager and a
// protocol engine: point addresses, values, session states, commands, options.
// Wire encoding lives in the engine.
package iec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ASDUAddress is the common address of ASDU, station or sector.
type ASDUAddress uint16

// BroadcastASDU addresses every sector of the outstation.
const BroadcastASDU ASDUAddress = 0xffff

// IOA is information object address, 3 octets max on the wire.
type IOA uint32

const MaxIOA IOA = 0xffffff

// Address is comparable and used as map key.
type Address struct {
	ASDU ASDUAddress
	IOA  IOA
}

func NewAddress(asdu ASDUAddress, ioa IOA) Address { return Address{ASDU: asdu, IOA: ioa} }

func (a Address) String() string { return fmt.Sprintf("%d-%d", a.ASDU, a.IOA) }

// ParseAddress accepts "asdu-ioa", e.g. "1-4001".
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Address{}, errors.NotValidf("address=%q expected asdu-ioa", s)
	}
	asdu, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Address{}, errors.NotValidf("address=%q asdu", s)
	}
	ioa, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || IOA(ioa) > MaxIOA {
		return Address{}, errors.NotValidf("address=%q ioa", s)
	}
	return Address{ASDU: ASDUAddress(asdu), IOA: IOA(ioa)}, nil
}

func ParseAddressList(ss []string) ([]Address, error) {
	result := make([]Address, 0, len(ss))
	for _, s := range ss {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}
