package mqtt

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/helpers/atomic_clock"
)

// link is one broker connection: dial, CONNECT, SUBSCRIBE, reader and pinger.
// Never reused after die.
type link struct {
	c      *Client
	alive  *alive.Alive
	conn   atomic.Value // transport.Conn
	sub    *packet.Subscribe
	ready  chan struct{}
	once   sync.Once
	err    helpers.AtomicError
	sendmu sync.Mutex
	sentAt atomic_clock.Clock
	recvAt atomic_clock.Clock
}

func newLink(c *Client, sub *packet.Subscribe) *link {
	return &link{
		c:     c,
		alive: alive.NewAlive(),
		sub:   sub,
		ready: make(chan struct{}),
	}
}

func (l *link) isReady() bool {
	select {
	case <-l.ready:
		return l.alive.IsRunning()
	default:
		return false
	}
}

func (l *link) reason() error {
	e, _ := l.err.Load()
	return e
}

func (l *link) die(e error) {
	if e == nil {
		e = ErrClientClosing
	}
	if _, set := l.err.StoreOnce(e); set {
		return
	}
	l.alive.Stop()
	if conn := l.getConn(); conn != nil {
		_ = conn.Close()
	}
}

func (l *link) getConn() transport.Conn {
	if x := l.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (l *link) send(p packet.Generic) error {
	conn := l.getConn()
	if conn == nil || !l.alive.IsRunning() {
		return client.ErrClientNotConnected
	}
	l.sendmu.Lock()
	err := conn.Send(p, false)
	l.sendmu.Unlock()
	if err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		l.die(err)
		return err
	}
	l.sentAt.SetNow()
	l.c.opt.Log.Debugf("mqtt sent %s", PacketString(p))
	return nil
}

func (l *link) run() {
	if !l.alive.Add(1) {
		return
	}
	defer l.alive.Done()
	opt := &l.c.opt

	conn, err := l.c.dialer.Dial(opt.BrokerURL)
	if err != nil {
		l.die(errors.Annotatef(err, "mqtt dial broker=%s", opt.BrokerURL))
		return
	}
	l.conn.Store(conn)
	if !l.alive.IsRunning() {
		// die during Dial had no conn to close
		_ = conn.Close()
		return
	}
	if err = l.send(l.c.conpkt); err != nil {
		return
	}

	conn.SetReadTimeout(opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		l.die(errors.Annotate(err, "mqtt expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		l.die(errors.Annotatef(client.ErrClientExpectedConnack, "mqtt received %s", PacketString(pkt)))
		return
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		l.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
		return
	}
	conn.SetReadTimeout(0)
	l.recvAt.SetNow()
	opt.Log.Debugf("mqtt connected broker=%s", opt.BrokerURL)

	if !l.alive.Add(2) {
		return
	}
	go l.reader(conn)
	go l.pinger()

	if l.sub == nil {
		l.setReady()
		return
	}
	if err := l.send(l.sub); err != nil {
		return
	}
	select {
	case <-l.ready:
	case <-time.After(opt.NetworkTimeout):
		l.die(errors.Timeoutf("mqtt SUBACK"))
	case <-l.alive.StopChan():
	}
}

func (l *link) onSuback(suback *packet.Suback) {
	if l.sub == nil || suback.ID != l.sub.ID {
		l.die(errors.Annotatef(client.ErrFailedSubscription, "SUBACK id=%d unexpected", suback.ID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			l.die(client.ErrFailedSubscription)
			return
		}
	}
	l.setReady()
}

func (l *link) setReady() { l.once.Do(func() { close(l.ready) }) }

func (l *link) reader(conn transport.Conn) {
	defer l.alive.Done()
	for {
		pkt, err := conn.Receive()
		if !l.alive.IsRunning() {
			return
		}
		switch err {
		case nil:
		case io.EOF:
			l.die(errors.Errorf("mqtt server closed connection"))
			return
		default:
			l.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		l.recvAt.SetNow()
		l.c.opt.Log.Debugf("mqtt received %s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			l.die(errors.Errorf("mqtt duplicate CONNACK"))
			return
		case *packet.Pingresp:
		case *packet.Suback:
			l.onSuback(pt)
		default:
			l.c.onPacket(l, pkt)
		}
	}
}

// pinger sends PINGREQ when nothing was sent for half keepalive,
// declares link dead when nothing was received for 1.5 keepalive.
func (l *link) pinger() {
	defer l.alive.Done()
	if l.c.opt.KeepaliveSec == 0 {
		return
	}
	keepalive := time.Duration(l.c.opt.KeepaliveSec) * time.Second
	tick := time.NewTicker(keepalive / 4)
	defer tick.Stop()
	stopch := l.alive.StopChan()
	for {
		select {
		case <-tick.C:
		case <-stopch:
			return
		}
		if atomic_clock.Since(&l.recvAt) > keepalive+keepalive/2 {
			l.die(client.ErrClientMissingPong)
			return
		}
		if atomic_clock.Since(&l.sentAt) >= keepalive/2 {
			if l.send(packet.NewPingreq()) != nil {
				return
			}
		}
	}
}
