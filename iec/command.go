package iec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// TypeID of ASDU in control direction.
type TypeID uint8

const (
	TypeSingleCommand  TypeID = 45  // C_SC_NA_1
	TypeDoubleCommand  TypeID = 46  // C_DC_NA_1
	TypeSetpointScaled TypeID = 49  // C_SE_NB_1
	TypeSetpointFloat  TypeID = 50  // C_SE_NC_1
	TypeInterrogation  TypeID = 100 // C_IC_NA_1
)

// Known reports whether t is one of the supported control types.
func (t TypeID) Known() bool {
	switch t {
	case TypeSingleCommand, TypeDoubleCommand, TypeSetpointScaled, TypeSetpointFloat, TypeInterrogation:
		return true
	}
	return false
}

// QOIStation is qualifier of general (station) interrogation.
const QOIStation uint8 = 20

type Command interface {
	Type() TypeID
	Target() Address
	String() string
}

type SingleCommand struct {
	Address Address
	State   bool
	Select  bool
}

func (c SingleCommand) Type() TypeID    { return TypeSingleCommand }
func (c SingleCommand) Target() Address { return c.Address }
func (c SingleCommand) String() string {
	return fmt.Sprintf("single %s state=%t select=%t", c.Address, c.State, c.Select)
}

type DoubleCommand struct {
	Address Address
	State   DoublePoint
	Select  bool
}

func (c DoubleCommand) Type() TypeID    { return TypeDoubleCommand }
func (c DoubleCommand) Target() Address { return c.Address }
func (c DoubleCommand) String() string {
	return fmt.Sprintf("double %s state=%s select=%t", c.Address, c.State, c.Select)
}

type SetpointScaled struct {
	Address Address
	Value   int16
	Select  bool
}

func (c SetpointScaled) Type() TypeID    { return TypeSetpointScaled }
func (c SetpointScaled) Target() Address { return c.Address }
func (c SetpointScaled) String() string {
	return fmt.Sprintf("setpoint-scaled %s value=%d select=%t", c.Address, c.Value, c.Select)
}

type SetpointFloat struct {
	Address Address
	Value   float32
	Select  bool
}

func (c SetpointFloat) Type() TypeID    { return TypeSetpointFloat }
func (c SetpointFloat) Target() Address { return c.Address }
func (c SetpointFloat) String() string {
	return fmt.Sprintf("setpoint-float %s value=%g select=%t", c.Address, c.Value, c.Select)
}

type InterrogationCommand struct {
	ASDU ASDUAddress
	QOI  uint8
}

func (c InterrogationCommand) Type() TypeID    { return TypeInterrogation }
func (c InterrogationCommand) Target() Address { return Address{ASDU: c.ASDU} }
func (c InterrogationCommand) String() string {
	return fmt.Sprintf("interrogation asdu=%d qoi=%d", c.ASDU, c.QOI)
}

// ParseCommand reads text form used by console and MQTT:
//   sc ADDR on|off      single command
//   dc ADDR on|off      double command
//   ss ADDR INT16       set-point scaled
//   sf ADDR FLOAT       set-point float
//   gi [ASDU [QOI]]     interrogation, default broadcast station
// Append "select" to point commands for select-before-operate.
func ParseCommand(s string) (Command, error) {
	f := strings.Fields(s)
	if len(f) == 0 {
		return nil, errors.NotValidf("command empty")
	}
	kind := strings.ToLower(f[0])
	if kind == "gi" {
		cmd := InterrogationCommand{ASDU: BroadcastASDU, QOI: QOIStation}
		if len(f) >= 2 {
			x, err := strconv.ParseUint(f[1], 10, 16)
			if err != nil {
				return nil, errors.NotValidf("command=%q asdu", s)
			}
			cmd.ASDU = ASDUAddress(x)
		}
		if len(f) >= 3 {
			x, err := strconv.ParseUint(f[2], 10, 8)
			if err != nil {
				return nil, errors.NotValidf("command=%q qoi", s)
			}
			cmd.QOI = uint8(x)
		}
		if len(f) > 3 {
			return nil, errors.NotValidf("command=%q extra arguments", s)
		}
		return cmd, nil
	}

	if len(f) < 3 || len(f) > 4 {
		return nil, errors.NotValidf("command=%q expected: %s ADDR VALUE [select]", s, kind)
	}
	addr, err := ParseAddress(f[1])
	if err != nil {
		return nil, errors.Annotatef(err, "command=%q", s)
	}
	sel := false
	if len(f) == 4 {
		if f[3] != "select" {
			return nil, errors.NotValidf("command=%q unknown flag=%s", s, f[3])
		}
		sel = true
	}
	arg := f[2]
	switch kind {
	case "sc":
		on, err := parseOnOff(arg)
		if err != nil {
			return nil, errors.Annotatef(err, "command=%q", s)
		}
		return SingleCommand{Address: addr, State: on, Select: sel}, nil
	case "dc":
		on, err := parseOnOff(arg)
		if err != nil {
			return nil, errors.Annotatef(err, "command=%q", s)
		}
		state := DoublePointOff
		if on {
			state = DoublePointOn
		}
		return DoubleCommand{Address: addr, State: state, Select: sel}, nil
	case "ss":
		x, err := strconv.ParseInt(arg, 10, 16)
		if err != nil {
			return nil, errors.NotValidf("command=%q value", s)
		}
		return SetpointScaled{Address: addr, Value: int16(x), Select: sel}, nil
	case "sf":
		x, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return nil, errors.NotValidf("command=%q value", s)
		}
		return SetpointFloat{Address: addr, Value: float32(x), Select: sel}, nil
	}
	return nil, errors.NotValidf("command=%q unknown kind=%s", s, kind)
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, errors.NotValidf("state=%q expected on|off", s)
}
