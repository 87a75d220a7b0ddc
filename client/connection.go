package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iec104/helpers/atomic_clock"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
)

const DefaultConnectTimeout = 10 * time.Second
const DefaultReconnectDelay = 10 * time.Second

var (
	ErrStopped        = fmt.Errorf("connection stopped")
	ErrNotConnected   = fmt.Errorf("failed to send command, not connected")
	ErrInvalidCommand = fmt.Errorf("unable to map value to a command")
)

// State of Connection, not of a single protocol session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Options struct {
	Engine         iec.Engine
	ConnectTimeout time.Duration // Start() wait for connected, default 10s
	ReconnectDelay time.Duration // fixed pause before next endpoint, default 10s
	Protocol       iec.ProtocolOptions
	Data           iec.DataModuleOptions
	// StateListener receives every transition of the current session,
	// on supervisor goroutine, after failover bookkeeping.
	// Disconnected arrives after the old session is closed and before ReconnectDelay,
	// so the next Connecting follows it by at least that delay.
	// Failed Engine.Open is reported as Disconnected with annotated open error.
	StateListener iec.StateListener
	Log           *log2.Log
	Clock         clock.Clock
	Metrics       *Metrics
}

// Connection is resilient client of redundant outstation endpoints.
// - NewConnection returns only configuration errors, no network IO
// - Start opens first endpoint and waits up to ConnectTimeout, connect continues in background
// - On disconnect: close session, wait ReconnectDelay, open next endpoint round robin, forever
// - Stop is terminal, no session is opened after Stop
// - Value cache and listeners survive failover
type Connection struct {
	id    ConnectionID
	eps   *Endpoints
	opt   Options
	log   *log2.Log
	clock clock.Clock
	alive *alive.Alive

	mu         sync.RWMutex
	started    bool
	state      State
	session    iec.Session
	sessionID  string
	gen        uint64
	cursor     int
	openedAt   time.Time
	ready      chan struct{}
	readyFired bool

	events eventQueue
	cache  *valueCache

	stat struct {
		sessions      uint32
		disconnects   uint32
		updates       uint64
		lastConnected atomic_clock.Clock
		lastData      atomic_clock.Clock
	}
}

func NewConnection(id ConnectionID, eps *Endpoints, opt Options) (*Connection, error) {
	if eps == nil || eps.Len() == 0 {
		return nil, errors.NewNotValid(nil, "config error connection endpoints empty")
	}
	if opt.Engine == nil {
		return nil, errors.NotValidf("code error client.Options.Engine=nil")
	}
	if opt.ConnectTimeout < 0 || opt.ReconnectDelay < 0 {
		return nil, errors.NotValidf("config error connect_timeout=%s reconnect_delay=%s", opt.ConnectTimeout, opt.ReconnectDelay)
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = DefaultConnectTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	c := &Connection{
		id:    id,
		eps:   eps,
		opt:   opt,
		log:   opt.Log.WithPrefix(fmt.Sprintf("iec104 connection=%s ", id.ID)),
		clock: opt.Clock,
		alive: alive.NewAlive(),
		ready: make(chan struct{}),
		cache: newValueCache(),
	}
	c.events.init()
	return c, nil
}

func (c *Connection) ID() ConnectionID      { return c.id }
func (c *Connection) Endpoints() *Endpoints { return c.eps }

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start begins connecting to first endpoint and blocks until connected,
// ConnectTimeout (returns nil, connect continues in background) or ctx done.
// Repeated Start only waits, endpoint cursor is not moved.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.alive.IsRunning() {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.started {
		if !c.alive.Add(1) {
			c.mu.Unlock()
			return ErrStopped
		}
		c.started = true
		go c.supervisor()
		c.cursor = 0
		c.openLocked()
	}
	ready := c.ready
	c.mu.Unlock()

	tmr := c.clock.Timer(c.opt.ConnectTimeout)
	defer tmr.Stop()
	select {
	case <-ready:
		return nil
	case <-tmr.C:
		c.log.Infof("connect timeout=%s, continue in background", c.opt.ConnectTimeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.alive.StopChan():
		return ErrStopped
	}
}

// Stop closes active session and cancels pending reconnect. Idempotent.
// Must not be called from listeners.
func (c *Connection) Stop() error {
	c.alive.Stop()
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	var err error
	if s != nil {
		c.log.Debugf("stop, closing session")
		err = errors.Annotate(s.Close(), "close session")
	}
	c.alive.Wait()
	return err
}

// ExecuteCommand returns false when no session is active or session rejected command.
func (c *Connection) ExecuteCommand(cmd iec.Command) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || cmd == nil {
		c.opt.Metrics.command(c.id.ID, "rejected")
		return false
	}
	ok := c.session.SendCommand(cmd)
	if ok {
		c.opt.Metrics.command(c.id.ID, "sent")
		c.log.Debugf("command sent %s", cmd)
	} else {
		c.opt.Metrics.command(c.id.ID, "rejected")
	}
	return ok
}

// SetListener registers l for addr and immediately replays cached value, if any.
// Nil l removes listener. Only one listener per address.
func (c *Connection) SetListener(addr iec.Address, l ValueListener) {
	c.cache.setListener(addr, l)
	_, n := c.cache.counts()
	c.opt.Metrics.listeners(c.id.ID, n)
}

// Value returns last cached value of addr.
func (c *Connection) Value(addr iec.Address) (iec.Value, bool) { return c.cache.get(addr) }

type Stats struct {
	State         State
	Endpoint      Endpoint
	Session       string
	Sessions      uint32
	Disconnects   uint32
	Updates       uint64
	Values        int
	Listeners     int
	LastConnected time.Time
	LastData      time.Time
}

func (c *Connection) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		State:    c.state,
		Endpoint: c.eps.At(c.cursor),
		Session:  c.sessionID,
	}
	c.mu.RUnlock()
	s.Sessions = atomic.LoadUint32(&c.stat.sessions)
	s.Disconnects = atomic.LoadUint32(&c.stat.disconnects)
	s.Updates = atomic.LoadUint64(&c.stat.updates)
	s.Values, s.Listeners = c.cache.counts()
	s.LastConnected = c.stat.lastConnected.Time()
	s.LastData = c.stat.lastData.Time()
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("state=%s endpoint=%s session=%s sessions=%d disconnects=%d updates=%d values=%d listeners=%d",
		s.State, s.Endpoint, s.Session, s.Sessions, s.Disconnects, s.Updates, s.Values, s.Listeners)
}

// openLocked creates next session generation for endpoint at cursor.
// Open error is handled as disconnect of the new generation.
func (c *Connection) openLocked() {
	ep := c.eps.At(c.cursor)
	c.gen++
	c.sessionID = uuid.New().String()
	c.openedAt = c.clock.Now()
	c.setStateLocked(StateConnecting)
	c.log.Infof("connecting endpoint=%s session=%s", ep, c.sessionID)

	h := &sessionHandler{c: c, gen: c.gen}
	opt := iec.Options{Protocol: c.opt.Protocol, Data: c.opt.Data}
	s, err := c.opt.Engine.Open(ep.Host, ep.Port, opt, h)
	if err != nil {
		c.session = nil
		c.events.push(stateEvent{gen: c.gen, state: iec.StateDisconnected, err: errors.Annotatef(err, "open endpoint=%s", ep)})
		return
	}
	c.session = s
	atomic.AddUint32(&c.stat.sessions, 1)
	c.opt.Metrics.sessionOpened(c.id.ID, ep)
}

func (c *Connection) setStateLocked(s State) {
	if c.state == StateStopped {
		return
	}
	c.state = s
	c.opt.Metrics.setState(c.id.ID, s)
}

func (c *Connection) supervisor() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		select {
		case <-stopch:
			return
		case <-c.events.signal:
		}
		for _, e := range c.events.drain() {
			if !c.handleEvent(e) {
				return
			}
		}
	}
}

// handleEvent returns false when connection is stopping.
func (c *Connection) handleEvent(e stateEvent) bool {
	c.mu.Lock()
	if !c.alive.IsRunning() {
		c.mu.Unlock()
		return false
	}
	if e.gen != c.gen {
		c.mu.Unlock()
		c.log.Debugf("stale event gen=%d current=%d state=%s", e.gen, c.gen, e.state)
		return true
	}

	switch e.state {
	case iec.StateConnected:
		c.setStateLocked(StateConnected)
		c.stat.lastConnected.SetNow()
		if !c.readyFired {
			c.readyFired = true
			close(c.ready)
		}
		ep := c.eps.At(c.cursor)
		elapsed := c.clock.Since(c.openedAt)
		c.mu.Unlock()
		c.opt.Metrics.connectTime(c.id.ID, elapsed.Seconds())
		c.log.Infof("connected endpoint=%s in %s", ep, elapsed)
		c.notify(e)
		return true

	case iec.StateDisconnected:
		s := c.session
		c.session = nil
		c.setStateLocked(StateReconnecting)
		if c.readyFired {
			c.readyFired = false
			c.ready = make(chan struct{})
		}
		ep := c.eps.At(c.cursor)
		c.mu.Unlock()

		// close drains data callbacks of old session before delay
		if s != nil {
			if err := s.Close(); err != nil {
				c.log.Errorf("close session endpoint=%s err=%v", ep, err)
			}
		}
		atomic.AddUint32(&c.stat.disconnects, 1)
		c.opt.Metrics.disconnected(c.id.ID)
		c.log.Infof("disconnected endpoint=%s err=%v, reconnect in %s", ep, e.err, c.opt.ReconnectDelay)
		c.notify(e)
		return c.reconnect()

	default:
		c.mu.Unlock()
		c.notify(e)
		return true
	}
}

func (c *Connection) reconnect() bool {
	select {
	case <-c.clock.After(c.opt.ReconnectDelay):
	case <-c.alive.StopChan():
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive.IsRunning() {
		return false
	}
	_, c.cursor = c.eps.Next(c.cursor)
	c.openLocked()
	return true
}

func (c *Connection) notify(e stateEvent) {
	if c.opt.StateListener != nil {
		c.opt.StateListener.StateChanged(e.state, e.err)
	}
}

func (c *Connection) onData(addr iec.Address, v iec.Value) {
	atomic.AddUint64(&c.stat.updates, 1)
	c.stat.lastData.SetNow()
	c.opt.Metrics.update(c.id.ID)
	c.cache.update(addr, v)
}

// sessionHandler binds engine callbacks to one session generation.
type sessionHandler struct {
	c   *Connection
	gen uint64
}

func (h *sessionHandler) StateChanged(s iec.State, err error) {
	h.c.events.push(stateEvent{gen: h.gen, state: s, err: err})
}

func (h *sessionHandler) Activated(dc iec.DataContext) {
	h.c.log.Debugf("activated, start data and general interrogation")
	dc.RequestStartData()
	dc.StartInterrogation(iec.BroadcastASDU, iec.QOIStation)
}

// Data of any generation is accepted, last write wins.
func (h *sessionHandler) Data(addr iec.Address, v iec.Value) { h.c.onData(addr, v) }

type stateEvent struct {
	gen   uint64
	state iec.State
	err   error
}

// eventQueue is unbounded so engine callback never waits for supervisor,
// which may be closing that very session.
type eventQueue struct {
	mu     sync.Mutex
	list   []stateEvent
	signal chan struct{}
}

func (q *eventQueue) init() { q.signal = make(chan struct{}, 1) }

func (q *eventQueue) push(e stateEvent) {
	q.mu.Lock()
	q.list = append(q.list, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []stateEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.list
	q.list = nil
	return list
}
