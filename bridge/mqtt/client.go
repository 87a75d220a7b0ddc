// Package mqtt is minimal reconnecting MQTT 3.1.1 client for telemetry fan-out.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iec104/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type Options struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	Subscriptions  []packet.Subscription
	OnMessage      func(*packet.Message) error
	Will           *packet.Message
	Log            *log2.Log
}

// Client
// - NewClient returns only configuration errors, network IO is done in background
// - clean session, subscribe configured list once per link, no unsubscribe
// - unlimited reconnect attempts with fixed delay until Close
// - QOS 0,1, serialized Publish, no in-flight storage
// - Publish while offline waits for link within ctx
type Client struct {
	alive  *alive.Alive
	opt    Options
	conpkt *packet.Connect
	dialer *transport.Dialer
	lastID uint32

	mu   sync.Mutex
	link *link

	pubmu sync.Mutex
	ack   struct {
		sync.Mutex
		id packet.ID
		fu *future.Future
	}
}

func NewClient(opt Options) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.Options.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt broker_url=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	conpkt := packet.NewConnect()
	conpkt.ClientID = opt.ClientID
	if conpkt.ClientID == "" {
		conpkt.ClientID = opt.Username
	}
	conpkt.KeepAlive = opt.KeepaliveSec
	conpkt.CleanSession = true
	conpkt.Username = opt.Username
	conpkt.Password = opt.Password
	conpkt.Will = opt.Will

	c := &Client{
		alive:  alive.NewAlive(),
		opt:    opt,
		conpkt: conpkt,
		dialer: transport.NewDialer(transport.DialConfig{
			TLSConfig: opt.TLS,
			Timeout:   opt.NetworkTimeout,
		}),
		lastID: uint32(time.Now().UnixNano()),
	}
	c.alive.Add(1)
	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	c.alive.Stop()
	var err error
	if l := c.current(); l != nil {
		if l.isReady() {
			err = l.send(packet.NewDisconnect())
		}
		l.die(ErrClientClosing)
	}
	c.alive.Wait()
	return err
}

// WaitReady returns nil when connected and subscribed,
// ErrClientClosing after Close, ctx.Err() when ctx is done first.
func (c *Client) WaitReady(ctx context.Context) error {
	stopch := c.alive.StopChan()
	for {
		if l := c.current(); l != nil && l.alive.IsRunning() {
			select {
			case <-l.ready:
				if l.alive.IsRunning() {
					return nil
				}
				continue
			case <-l.alive.StopChan():
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-stopch:
				return ErrClientClosing
			}
		}
		// no link or lost, wait for the next one
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		case <-stopch:
			return ErrClientClosing
		}
	}
}

func (c *Client) Publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		return errors.NotSupportedf("mqtt QOS=%d", msg.QOS)
	}
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	l := c.current()
	if l == nil {
		return client.ErrClientNotConnected
	}

	c.pubmu.Lock()
	defer c.pubmu.Unlock()
	publish := packet.NewPublish()
	publish.Message = *msg
	var fu *future.Future
	if msg.QOS == packet.QOSAtLeastOnce {
		publish.ID = c.nextID()
		fu = future.New()
		c.ack.Lock()
		c.ack.id, c.ack.fu = publish.ID, fu
		c.ack.Unlock()
	}
	if err := l.send(publish); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}
	if fu == nil {
		return nil
	}

	switch err := fu.Wait(c.opt.NetworkTimeout); err {
	case nil:
		return nil
	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return e
		}
		return ErrClientClosing
	case future.ErrTimeout:
		err = errors.Timeoutf("PUBACK id=%d", publish.ID)
		fu.Cancel(err)
		l.die(err)
		return err
	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		var sub *packet.Subscribe
		if len(c.opt.Subscriptions) != 0 {
			sub = &packet.Subscribe{ID: c.nextID(), Subscriptions: c.opt.Subscriptions}
		}
		l := newLink(c, sub)
		c.mu.Lock()
		c.link = l
		c.mu.Unlock()
		go l.run()

		select {
		case <-l.alive.WaitChan():
		case <-stopch:
			l.die(ErrClientClosing)
			l.alive.Wait()
			return
		}
		c.cancelAck(l.reason())
		c.opt.Log.Debugf("mqtt link lost err=%v, reconnect in %s", l.reason(), c.opt.ReconnectDelay)

		select {
		case <-time.After(c.opt.ReconnectDelay):
		case <-stopch:
			return
		}
	}
}

func (c *Client) cancelAck(err error) {
	c.ack.Lock()
	defer c.ack.Unlock()
	if c.ack.fu != nil {
		c.ack.fu.Cancel(err)
		c.ack.fu = nil
	}
}

func (c *Client) onPacket(l *link, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(l, pt)
	case *packet.Puback:
		c.ack.Lock()
		defer c.ack.Unlock()
		if c.ack.fu == nil || c.ack.id != pt.ID {
			c.opt.Log.Errorf("mqtt unexpected PUBACK id=%d", pt.ID)
			return
		}
		c.ack.fu.Complete(pt.ID)
		c.ack.fu = nil
	default:
		c.opt.Log.Debugf("mqtt unhandled packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(l *link, publish *packet.Publish) {
	if publish.Message.QOS > packet.QOSAtLeastOnce {
		l.die(errors.NotSupportedf("mqtt received QOS=%d", publish.Message.QOS))
		return
	}
	if err := c.opt.OnMessage(&publish.Message); err != nil {
		c.opt.Log.Errorf("mqtt OnMessage %s err=%v", MessageString(&publish.Message), err)
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		if err := l.send(puback); err != nil {
			c.opt.Log.Debugf("mqtt puback id=%d err=%v", publish.ID, err)
		}
	}
}
