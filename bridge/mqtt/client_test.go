package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iec104/log2"
)

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		addr  string
		alive *alive.Alive
		opts  Options
		msgs  chan *packet.Message
		done  chan struct{}
	}
	serverConnect := func(t testing.TB, b *transport.NetConn) {
		pkt, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, `<Connect ClientID="" KeepAlive=0 Username="" Password="" CleanSession=true Will=nil Version=4>`, pkt.String())
		connack := packet.NewConnack()
		connack.ReturnCode = packet.ConnectionAccepted
		require.NoError(t, b.Send(connack, false))
	}
	cases := []struct {
		name   string
		setup  func(env *tenv)
		client func(t testing.TB, env *tenv, mc *Client)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", nil, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			serverConnect(t, b)
		}},

		{"publish-qos1", nil, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			msg := &packet.Message{Topic: "iec104/main/value/1-100", QOS: packet.QOSAtLeastOnce, Payload: []byte{1}}
			require.NoError(t, mc.Publish(ctx, msg))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			serverConnect(t, b)
			pkt, err := b.Receive()
			require.NoError(t, err)
			publish, ok := pkt.(*packet.Publish)
			require.True(t, ok, pkt.String())
			assert.Equal(t, "iec104/main/value/1-100", publish.Message.Topic)
			assert.NotEqual(t, packet.ID(0), publish.ID)
			puback := packet.NewPuback()
			puback.ID = publish.ID
			require.NoError(t, b.Send(puback, false))
		}},

		{"publish-qos2", nil, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
			err := mc.Publish(context.Background(), &packet.Message{Topic: "x", QOS: packet.QOSExactlyOnce})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not supported")
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			serverConnect(t, b)
		}},

		{"subscribe-receive", func(env *tenv) {
			env.opts.Subscriptions = []packet.Subscription{{Topic: "iec104/+/command", QOS: packet.QOSAtLeastOnce}}
		}, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
			select {
			case m := <-env.msgs:
				assert.Equal(t, "iec104/main/command", m.Topic)
				assert.Equal(t, "gi", string(m.Payload))
			case <-ctx.Done():
				t.Fatal("message not received")
			}
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			serverConnect(t, b)
			pkt, err := b.Receive()
			require.NoError(t, err)
			sub, ok := pkt.(*packet.Subscribe)
			require.True(t, ok, pkt.String())
			require.Len(t, sub.Subscriptions, 1)
			assert.Equal(t, "iec104/+/command", sub.Subscriptions[0].Topic)
			suback := packet.NewSuback()
			suback.ID = sub.ID
			suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
			require.NoError(t, b.Send(suback, false))

			publish := packet.NewPublish()
			publish.ID = 7
			publish.Message = packet.Message{Topic: "iec104/main/command", QOS: packet.QOSAtLeastOnce, Payload: []byte("gi")}
			require.NoError(t, b.Send(publish, false))
			pkt, err = b.Receive()
			require.NoError(t, err)
			puback, ok := pkt.(*packet.Puback)
			require.True(t, ok, pkt.String())
			assert.Equal(t, packet.ID(7), puback.ID)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				alive: alive.NewAlive(),
				msgs:  make(chan *packet.Message, 1),
				done:  make(chan struct{}),
			}
			var doneOnce sync.Once
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			env.addr = ln.Addr().String()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", env.addr)
			env.opts.OnMessage = func(m *packet.Message) error {
				env.msgs <- m
				return nil
			}
			env.opts.Log = log2.NewTest(t, log2.LDebug)
			env.opts.NetworkTimeout = timeout
			env.opts.ReconnectDelay = time.Minute
			if c.setup != nil {
				c.setup(env)
			}
			env.alive.Add(1)
			go func() {
				defer env.alive.Done()
				for {
					conn, err := ln.Accept()
					if !env.alive.Add(1) {
						return
					}
					require.NoError(t, err)
					require.NoError(t, conn.SetDeadline(time.Now().Add(timeout)))
					c.server(t, env, transport.NewNetConn(conn))
					doneOnce.Do(func() { close(env.done) })
				}
			}()

			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			c.client(t, env, mc)
			select {
			case <-env.done:
			case <-time.After(timeout):
				t.Error("server script did not finish")
			}
			assert.NoError(t, mc.Close())
			env.alive.Stop()
			_ = ln.Close()
			env.alive.Wait()
		})
	}
}

func TestClientOptions(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Options{BrokerURL: "tcp://localhost:1883"})
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))

	_, err = NewClient(Options{BrokerURL: "::bad", OnMessage: func(*packet.Message) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker_url")
}

func TestClientCloseOffline(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	mc, err := NewClient(Options{
		BrokerURL:      "tcp://" + addr,
		OnMessage:      func(*packet.Message) error { return nil },
		NetworkTimeout: time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		Log:            log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, mc.WaitReady(ctx))
	assert.NoError(t, mc.Close())
	assert.Equal(t, ErrClientClosing, mc.WaitReady(context.Background()))
}

func TestOnPublishPubackLost(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	log := log2.NewWriter(buf, log2.LDebug)
	log.SetFlags(0)
	got := 0
	c := &Client{opt: Options{Log: log, OnMessage: func(*packet.Message) error { got++; return nil }}}
	l := newLink(c, nil) // never connected, send fails

	publish := packet.NewPublish()
	publish.ID = 7
	publish.Message = packet.Message{Topic: "iec104/main/command", QOS: packet.QOSAtLeastOnce}
	c.onPublish(l, publish)
	assert.Equal(t, 1, got)
	assert.Contains(t, buf.String(), "mqtt puback id=7 err=")
}
