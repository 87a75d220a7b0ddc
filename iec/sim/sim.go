// Package sim is in-memory outstation network implementing iec.Engine.
// Hosts are created on demand, each keeps point values and records received commands.
// Used by tests and by `iec104 run` with engine="sim".
package sim

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
)

const EngineName = "sim"

var ErrRefused = fmt.Errorf("connection refused")
var ErrDropped = fmt.Errorf("connection dropped by peer")

func init() {
	iec.RegisterEngine(EngineName, Default)
}

// Default engine instance registered as "sim".
var Default = NewEngine(nil)

type Mode int32

const (
	// ModeUp accepts sessions and answers interrogation.
	ModeUp Mode = iota
	// ModeDown refuses sessions, reported as Disconnected with ErrRefused.
	ModeDown
	// ModeHang never completes connect, until Close or SetMode.
	ModeHang
)

func (m Mode) String() string {
	switch m {
	case ModeUp:
		return "up"
	case ModeDown:
		return "down"
	case ModeHang:
		return "hang"
	}
	return "mode?" + strconv.Itoa(int(m))
}

// ParseMode accepts "", "up", "down", "hang". Empty is ModeUp.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "up":
		return ModeUp, nil
	case "down":
		return ModeDown, nil
	case "hang":
		return ModeHang, nil
	}
	return ModeUp, errors.NotValidf("sim mode=%q", s)
}

type Engine struct {
	Log *log2.Log

	mu       sync.Mutex
	hosts    map[string]*Host
	opened   []string
	autoHost Mode
}

func NewEngine(log *log2.Log) *Engine {
	return &Engine{
		Log:      log,
		hosts:    make(map[string]*Host),
		autoHost: ModeUp,
	}
}

// SetUnknownHostMode decides whether Open on a host not yet created auto creates it.
// ModeDown makes unknown hosts unreachable. Default ModeUp.
func (self *Engine) SetUnknownHostMode(m Mode) {
	self.mu.Lock()
	self.autoHost = m
	self.mu.Unlock()
}

// Host returns existing or creates new host in ModeUp.
func (self *Engine) Host(name string) *Host {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.hostLocked(name, ModeUp)
}

func (self *Engine) hostLocked(name string, mode Mode) *Host {
	if h, ok := self.hosts[name]; ok {
		return h
	}
	h := &Host{
		name:     name,
		mode:     mode,
		log:      self.Log,
		points:   make(map[iec.Address]iec.Value),
		sessions: make(map[*session]struct{}),
	}
	self.hosts[name] = h
	return h
}

// Opened returns "host:port" of every Open call in order.
func (self *Engine) Opened() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	result := make([]string, len(self.opened))
	copy(result, self.opened)
	return result
}

func (self *Engine) Open(host string, port int, opt iec.Options, h iec.Handler) (iec.Session, error) {
	if h == nil {
		return nil, errors.NotValidf("sim Open handler=nil")
	}
	if port <= 0 {
		return nil, errors.NotValidf("sim Open port=%d", port)
	}
	self.mu.Lock()
	self.opened = append(self.opened, host+":"+strconv.Itoa(port))
	target := self.hostLocked(host, self.autoHost)
	self.mu.Unlock()

	s := newSession(target, port, opt, h)
	self.Log.Debugf("sim open host=%s port=%d mode=%s", host, port, target.Mode())
	go s.run()
	return s, nil
}

type Host struct {
	name string
	log  *log2.Log

	mu       sync.Mutex
	mode     Mode
	points   map[iec.Address]iec.Value
	sessions map[*session]struct{}
	commands []iec.Command
}

func (self *Host) Name() string { return self.name }

func (self *Host) Mode() Mode {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.mode
}

// SetMode to ModeDown drops active sessions. Hanging sessions are released by ModeUp or ModeDown.
func (self *Host) SetMode(m Mode) {
	self.mu.Lock()
	self.mode = m
	sessions := self.sessionListLocked()
	self.mu.Unlock()
	for _, s := range sessions {
		s.kick(m)
	}
}

// Set stores point value and sends spontaneous update to activated sessions.
func (self *Host) Set(addr iec.Address, v iec.Value) {
	self.mu.Lock()
	self.points[addr] = v
	sessions := self.sessionListLocked()
	self.mu.Unlock()
	for _, s := range sessions {
		s.spontaneous(addr, v)
	}
}

func (self *Host) Get(addr iec.Address) (iec.Value, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	v, ok := self.points[addr]
	return v, ok
}

// Drop disconnects every active session with ErrDropped.
func (self *Host) Drop() {
	self.mu.Lock()
	sessions := self.sessionListLocked()
	self.mu.Unlock()
	for _, s := range sessions {
		s.drop(ErrDropped)
	}
}

// Commands received by this host in order.
func (self *Host) Commands() []iec.Command {
	self.mu.Lock()
	defer self.mu.Unlock()
	result := make([]iec.Command, len(self.commands))
	copy(result, self.commands)
	return result
}

// Sessions returns number of open (not closed, not disconnected) sessions.
func (self *Host) Sessions() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.sessions)
}

func (self *Host) sessionListLocked() []*session {
	result := make([]*session, 0, len(self.sessions))
	for s := range self.sessions {
		result = append(result, s)
	}
	return result
}

func (self *Host) attach(s *session) Mode {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.sessions[s] = struct{}{}
	return self.mode
}

func (self *Host) detach(s *session) {
	self.mu.Lock()
	delete(self.sessions, s)
	self.mu.Unlock()
}

// snapshot returns points of asdu sorted by address, broadcast returns all.
func (self *Host) snapshot(asdu iec.ASDUAddress) []point {
	self.mu.Lock()
	defer self.mu.Unlock()
	result := make([]point, 0, len(self.points))
	for a, v := range self.points {
		if asdu == iec.BroadcastASDU || a.ASDU == asdu {
			result = append(result, point{a, v})
		}
	}
	sortPoints(result)
	return result
}

// execute applies command like a cooperative outstation: point value follows command.
func (self *Host) execute(cmd iec.Command) {
	self.mu.Lock()
	self.commands = append(self.commands, cmd)
	self.mu.Unlock()
	self.log.Debugf("sim host=%s command %s", self.name, cmd)

	var value interface{}
	switch c := cmd.(type) {
	case iec.SingleCommand:
		if c.Select {
			return
		}
		value = c.State
	case iec.DoubleCommand:
		if c.Select {
			return
		}
		value = c.State
	case iec.SetpointScaled:
		if c.Select {
			return
		}
		value = c.Value
	case iec.SetpointFloat:
		if c.Select {
			return
		}
		value = c.Value
	default:
		return
	}
	self.Set(cmd.Target(), iec.Value{Value: value, Timestamp: now()})
}
