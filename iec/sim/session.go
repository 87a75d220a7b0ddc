package sim

import (
	"sort"
	"sync"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/iec104/iec"
)

var now = time.Now

type point struct {
	addr  iec.Address
	value iec.Value
}

func sortPoints(ps []point) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].addr.ASDU != ps[j].addr.ASDU {
			return ps[i].addr.ASDU < ps[j].addr.ASDU
		}
		return ps[i].addr.IOA < ps[j].addr.IOA
	})
}

// session runs all handler callbacks on one goroutine, in order of events.
type session struct {
	host    *Host
	port    int
	opt     iec.Options
	handler iec.Handler
	alive   *alive.Alive

	mu        sync.Mutex
	queue     []func() bool
	signal    chan struct{}
	active    bool // data transfer started
	connected bool
}

func newSession(h *Host, port int, opt iec.Options, handler iec.Handler) *session {
	return &session{
		host:    h,
		port:    port,
		opt:     opt,
		handler: handler,
		alive:   alive.NewAlive(),
		signal:  make(chan struct{}, 1),
	}
}

// push never blocks. Event returns false to end session.
func (self *session) push(fun func() bool) {
	self.mu.Lock()
	self.queue = append(self.queue, fun)
	self.mu.Unlock()
	select {
	case self.signal <- struct{}{}:
	default:
	}
}

func (self *session) run() {
	if !self.alive.Add(1) {
		return
	}
	defer self.alive.Done()
	defer self.host.detach(self)

	self.handler.StateChanged(iec.StateConnecting, nil)
	switch self.host.attach(self) {
	case ModeDown:
		self.handler.StateChanged(iec.StateDisconnected, ErrRefused)
		return
	case ModeHang:
		// wait for kick
	case ModeUp:
		self.connect()
	}

	for {
		select {
		case <-self.alive.StopChan():
			return
		case <-self.signal:
		}
		self.mu.Lock()
		q := self.queue
		self.queue = nil
		self.mu.Unlock()
		for _, fun := range q {
			if !self.alive.IsRunning() || !fun() {
				return
			}
		}
	}
}

func (self *session) connect() {
	self.mu.Lock()
	self.connected = true
	self.mu.Unlock()
	self.handler.StateChanged(iec.StateConnected, nil)
	self.handler.Activated(dataContext{self})
}

func (self *session) kick(m Mode) {
	self.push(func() bool {
		self.mu.Lock()
		connected := self.connected
		self.mu.Unlock()
		switch {
		case m == ModeDown && connected:
			self.disconnect(ErrDropped)
			return false
		case m == ModeDown:
			self.disconnect(ErrRefused)
			return false
		case m == ModeUp && !connected:
			self.connect()
		}
		return true
	})
}

func (self *session) drop(err error) {
	self.push(func() bool {
		self.disconnect(err)
		return false
	})
}

func (self *session) disconnect(err error) {
	self.mu.Lock()
	self.connected = false
	self.active = false
	self.mu.Unlock()
	self.handler.StateChanged(iec.StateDisconnected, err)
}

func (self *session) spontaneous(addr iec.Address, v iec.Value) {
	self.push(func() bool {
		self.mu.Lock()
		active := self.active
		self.mu.Unlock()
		if active {
			self.handler.Data(addr, v)
		}
		return true
	})
}

func (self *session) interrogate(asdu iec.ASDUAddress) {
	self.push(func() bool {
		self.mu.Lock()
		active := self.active
		self.mu.Unlock()
		if !active {
			return true
		}
		for _, p := range self.host.snapshot(asdu) {
			self.handler.Data(p.addr, p.value)
		}
		return true
	})
}

func (self *session) SendCommand(cmd iec.Command) bool {
	if cmd == nil || !self.alive.IsRunning() {
		return false
	}
	self.mu.Lock()
	ok := self.connected && self.active
	self.mu.Unlock()
	if !ok {
		return false
	}
	if ic, isInterrogation := cmd.(iec.InterrogationCommand); isInterrogation {
		self.host.execute(cmd)
		self.interrogate(ic.ASDU)
		return true
	}
	self.host.execute(cmd)
	return true
}

func (self *session) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	self.host.detach(self)
	self.mu.Lock()
	self.connected = false
	self.active = false
	self.mu.Unlock()
	return nil
}

type dataContext struct{ s *session }

func (self dataContext) RequestStartData() {
	self.s.mu.Lock()
	self.s.active = self.s.connected
	self.s.mu.Unlock()
}

func (self dataContext) StartInterrogation(asdu iec.ASDUAddress, qoi uint8) {
	self.s.interrogate(asdu)
}
