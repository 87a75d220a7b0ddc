// Package bridge fans connection values and state out to MQTT
// and feeds inbound MQTT commands into connections.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
	"github.com/temoto/spq"
)

const (
	DefaultTopicPrefix    = "iec104"
	DefaultPublishTimeout = 30 * time.Second
)

var ErrClosing = fmt.Errorf("bridge is closing")

// Publisher is satisfied by *mqtt.Client.
type Publisher interface {
	Publish(ctx context.Context, msg *packet.Message) error
}

type Options struct {
	PersistPath    string
	TopicPrefix    string
	PublishTimeout time.Duration
	RetryMin       time.Duration
	RetryMax       time.Duration
	Log            *log2.Log
}

// Bridge contract:
// - New fails only with invalid config or unusable PersistPath
// - value listeners block at most for disk write, delivery is in background
// - values are delivered at least once, in order, across restarts
// - state messages are retained and may be lost, only latest per connection is kept
// - Close stops workers, undelivered values stay in outbox
type Bridge struct {
	alive   *alive.Alive
	opt     Options
	log     *log2.Log
	q       *spq.Queue
	backoff helpers.Backoff

	mu      sync.Mutex
	targets map[string]*target

	statemu  sync.Mutex
	states   map[string]stateRecord
	statesig chan struct{}
}

type target struct {
	id    string
	conn  *client.Connection
	gw    *client.Gateway
	addrs []iec.Address
}

type stateRecord struct {
	state iec.State
	err   error
}

func New(opt Options) (*Bridge, error) {
	if opt.PersistPath == "" {
		return nil, errors.NotFoundf("bridge persist_path")
	}
	if opt.TopicPrefix == "" {
		opt.TopicPrefix = DefaultTopicPrefix
	}
	if opt.PublishTimeout == 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	if opt.RetryMin == 0 {
		opt.RetryMin = time.Second
	}
	if opt.RetryMax == 0 {
		opt.RetryMax = time.Minute
	}
	q, err := spq.Open(opt.PersistPath)
	if err != nil {
		return nil, errors.Annotatef(err, "bridge outbox path=%s", opt.PersistPath)
	}
	b := &Bridge{
		alive:    alive.NewAlive(),
		opt:      opt,
		log:      opt.Log,
		q:        q,
		backoff:  helpers.Backoff{Min: opt.RetryMin, Max: opt.RetryMax, K: 2},
		targets:  make(map[string]*target),
		states:   make(map[string]stateRecord),
		statesig: make(chan struct{}, 1),
	}
	return b, nil
}

// Start runs outbox and state workers publishing via pub.
func (b *Bridge) Start(pub Publisher) error {
	if pub == nil {
		return errors.NotValidf("code error bridge publisher=nil")
	}
	if !b.alive.Add(2) {
		return ErrClosing
	}
	go b.qworker(pub)
	go b.stateWorker(pub)
	return nil
}

// Subscriptions lists MQTT topics the bridge expects to receive in OnMessage.
func (b *Bridge) Subscriptions() []packet.Subscription {
	return []packet.Subscription{{Topic: TopicCommand(b.opt.TopicPrefix, "+"), QOS: packet.QOSAtLeastOnce}}
}

// StateListener returns listener to put into client.Options for connection id.
// It may be created before Watch.
func (b *Bridge) StateListener(id string) iec.StateListener {
	return iec.StateListenerFunc(func(s iec.State, err error) { b.pushState(id, s, err) })
}

// Watch publishes values of addrs and accepts commands for connection id.
func (b *Bridge) Watch(id string, conn *client.Connection, addrs []iec.Address) error {
	if !b.alive.IsRunning() {
		return ErrClosing
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.targets[id]; ok {
		return errors.AlreadyExistsf("bridge connection=%s", id)
	}
	t := &target{id: id, conn: conn, gw: client.NewGateway(conn), addrs: addrs}
	b.targets[id] = t
	l := client.ValueListenerFunc(func(addr iec.Address, v iec.Value) {
		if err := b.pushValue(id, addr, v); err != nil {
			b.log.Errorf("bridge connection=%s address=%s push err=%v", id, addr, err)
		}
	})
	for _, addr := range addrs {
		conn.SetListener(addr, l)
	}
	return nil
}

// OnMessage handles inbound "<prefix>/<id>/command" with text command payload.
func (b *Bridge) OnMessage(msg *packet.Message) error {
	id, ok := parseCommandTopic(b.opt.TopicPrefix, msg.Topic)
	if !ok {
		return errors.NotValidf("bridge topic=%s", msg.Topic)
	}
	b.mu.Lock()
	t, ok := b.targets[id]
	b.mu.Unlock()
	if !ok {
		return errors.NotFoundf("bridge connection=%s", id)
	}
	cmd, err := iec.ParseCommand(string(msg.Payload))
	if err != nil {
		return errors.Annotatef(err, "bridge connection=%s", id)
	}
	if err = t.gw.Send(cmd); err != nil {
		return errors.Annotatef(err, "bridge connection=%s", id)
	}
	b.log.Infof("bridge connection=%s sent %s", id, cmd)
	return nil
}

func (b *Bridge) Close() error {
	b.alive.Stop()
	b.mu.Lock()
	for _, t := range b.targets {
		for _, addr := range t.addrs {
			t.conn.SetListener(addr, nil)
		}
	}
	b.targets = make(map[string]*target)
	b.mu.Unlock()
	err := b.q.Close()
	b.alive.Wait()
	return errors.Annotate(err, "bridge outbox close")
}

func (b *Bridge) pushValue(id string, addr iec.Address, v iec.Value) error {
	buf, err := encodeTagProto(qValue, valueStruct(id, addr, v))
	if err != nil {
		return errors.Annotate(err, "encode")
	}
	return b.q.Push(buf)
}

func (b *Bridge) pushState(id string, s iec.State, err error) {
	if !b.alive.IsRunning() {
		return
	}
	b.statemu.Lock()
	b.states[id] = stateRecord{state: s, err: err}
	b.statemu.Unlock()
	select {
	case b.statesig <- struct{}{}:
	default:
	}
}

func (b *Bridge) takeStates() map[string]stateRecord {
	b.statemu.Lock()
	defer b.statemu.Unlock()
	m := b.states
	b.states = make(map[string]stateRecord, len(m))
	return m
}
