package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/iec/sim"
	"github.com/temoto/iec104/log2"
)

const testTimeout = 5 * time.Second

type fakePublisher struct {
	mu     sync.Mutex
	failN  int
	values chan *packet.Message
	states chan *packet.Message
}

func newFakePublisher(failN int) *fakePublisher {
	return &fakePublisher{
		failN:  failN,
		values: make(chan *packet.Message, 64),
		states: make(chan *packet.Message, 64),
	}
}

func (p *fakePublisher) Publish(ctx context.Context, msg *packet.Message) error {
	p.mu.Lock()
	if p.failN > 0 {
		p.failN--
		p.mu.Unlock()
		return fmt.Errorf("fake publish failure")
	}
	p.mu.Unlock()
	ch := p.values
	if msg.Retain {
		ch = p.states
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recvStruct(t testing.TB, ch <-chan *packet.Message) (string, *structpb.Struct) {
	t.Helper()
	select {
	case msg := <-ch:
		var s structpb.Struct
		require.NoError(t, proto.Unmarshal(msg.Payload, &s))
		return msg.Topic, &s
	case <-time.After(testTimeout):
		t.Fatal("message not published")
	}
	return "", nil
}

func newTestBridge(t testing.TB, path string) *Bridge {
	t.Helper()
	b, err := New(Options{
		PersistPath: path,
		RetryMin:    time.Millisecond,
		RetryMax:    10 * time.Millisecond,
		Log:         log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	return b
}

func newTestConnection(t testing.TB, engine iec.Engine, id string, sl iec.StateListener) *client.Connection {
	t.Helper()
	cid, eps, err := client.NewConnectionID("rtu1:2404", id)
	require.NoError(t, err)
	c, err := client.NewConnection(cid, eps, client.Options{
		Engine:         engine,
		ConnectTimeout: testTimeout,
		ReconnectDelay: time.Millisecond,
		StateListener:  sl,
		Log:            log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	return c
}

func TestBridgeValuesAndState(t *testing.T) {
	t.Parallel()

	engine := sim.NewEngine(log2.NewTest(t, log2.LDebug))
	host := engine.Host("rtu1")
	addr := iec.NewAddress(1, 100)
	host.Set(addr, iec.Value{Value: float32(1.5)})

	b := newTestBridge(t, t.TempDir())
	pub := newFakePublisher(0)
	require.NoError(t, b.Start(pub))
	conn := newTestConnection(t, engine, "main", b.StateListener("main"))
	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, b.Watch("main", conn, []iec.Address{addr}))

	topic, s := recvStruct(t, pub.values)
	assert.Equal(t, "iec104/main/value/1-100", topic)
	assert.Equal(t, 1.5, s.Fields["value"].GetNumberValue())
	assert.Equal(t, "main", s.Fields["connection"].GetStringValue())
	assert.True(t, s.Fields["good"].GetBoolValue())

	host.Set(addr, iec.Value{Value: float32(2.5), Quality: iec.QualityInvalid})
	_, s = recvStruct(t, pub.values)
	assert.Equal(t, 2.5, s.Fields["value"].GetNumberValue())
	assert.False(t, s.Fields["good"].GetBoolValue())

	// state is coalesced, read until connected
	deadline := time.Now().Add(testTimeout)
	for {
		require.True(t, time.Now().Before(deadline), "state connected not published")
		topic, s = recvStruct(t, pub.states)
		assert.Equal(t, "iec104/main/state", topic)
		if s.Fields["state"].GetStringValue() == iec.StateConnected.String() {
			break
		}
	}

	require.NoError(t, conn.Stop())
	require.NoError(t, b.Close())
	assert.Equal(t, ErrClosing, b.Watch("other", conn, nil))
}

func TestBridgeRetry(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, t.TempDir())
	pub := newFakePublisher(3)
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.pushValue("x", iec.NewAddress(1, iec.IOA(i)), iec.Value{Value: int16(i)}))
	}
	require.NoError(t, b.Start(pub))
	for i := 1; i <= 3; i++ {
		topic, s := recvStruct(t, pub.values)
		assert.Equal(t, fmt.Sprintf("iec104/x/value/1-%d", i), topic)
		assert.Equal(t, float64(i), s.Fields["value"].GetNumberValue())
	}
	require.NoError(t, b.Close())
}

func TestBridgeOutboxSurvivesRestart(t *testing.T) {
	t.Parallel()

	path := t.TempDir()
	b1 := newTestBridge(t, path)
	require.NoError(t, b1.pushValue("x", iec.NewAddress(2, 7), iec.Value{Value: true}))
	require.NoError(t, b1.Close())

	b2 := newTestBridge(t, path)
	pub := newFakePublisher(0)
	require.NoError(t, b2.Start(pub))
	topic, s := recvStruct(t, pub.values)
	assert.Equal(t, "iec104/x/value/2-7", topic)
	assert.True(t, s.Fields["value"].GetBoolValue())
	require.NoError(t, b2.Close())
}

func TestBridgeOnMessage(t *testing.T) {
	t.Parallel()

	engine := sim.NewEngine(log2.NewTest(t, log2.LDebug))
	host := engine.Host("rtu1")
	b := newTestBridge(t, t.TempDir())
	require.NoError(t, b.Start(newFakePublisher(0)))
	conn := newTestConnection(t, engine, "main", nil)
	require.NoError(t, b.Watch("main", conn, nil))
	assert.True(t, errors.IsAlreadyExists(b.Watch("main", conn, nil)))

	msg := func(topic, payload string) *packet.Message {
		return &packet.Message{Topic: topic, Payload: []byte(payload)}
	}
	err := b.OnMessage(msg("iec104/main/command", "sc 1-100 on"))
	assert.True(t, errors.Cause(err) == client.ErrNotConnected, "err=%v", err)

	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, b.OnMessage(msg("iec104/main/command", "sc 1-100 on")))
	cmds := host.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, iec.SingleCommand{Address: iec.NewAddress(1, 100), State: true}, cmds[len(cmds)-1])

	assert.True(t, errors.IsNotValid(b.OnMessage(msg("other/main/command", "gi"))))
	assert.True(t, errors.IsNotFound(b.OnMessage(msg("iec104/nope/command", "gi"))))
	assert.True(t, errors.IsNotValid(b.OnMessage(msg("iec104/main/command", "launch"))))

	require.NoError(t, conn.Stop())
	require.NoError(t, b.Close())
}

func TestParseCommandTopic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		topic  string
		expect string
		ok     bool
	}{
		{"iec104/main/command", "main", true},
		{"iec104/a.b/command", "a.b", true},
		{"iec104//command", "", false},
		{"iec104/a/b/command", "", false},
		{"iec104/main/state", "", false},
		{"other/main/command", "", false},
		{"iec104", "", false},
	}
	for _, c := range cases {
		id, ok := parseCommandTopic("iec104", c.topic)
		assert.Equal(t, c.ok, ok, c.topic)
		assert.Equal(t, c.expect, id, c.topic)
	}
	assert.Equal(t, []packet.Subscription{{Topic: "iec104/+/command", QOS: packet.QOSAtLeastOnce}},
		(&Bridge{opt: Options{TopicPrefix: "iec104"}}).Subscriptions())
}

func TestDecodeRecord(t *testing.T) {
	t.Parallel()

	_, _, err := decodeRecord("p", nil)
	assert.True(t, errors.IsNotValid(err))
	_, _, err = decodeRecord("p", []byte{99, 1})
	assert.True(t, errors.IsNotValid(err))

	b, err := encodeTagProto(qValue, valueStruct("id", iec.NewAddress(3, 4), iec.Value{Value: iec.DoublePointOn}))
	require.NoError(t, err)
	topic, payload, err := decodeRecord("p", b)
	require.NoError(t, err)
	assert.Equal(t, "p/id/value/3-4", topic)
	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(payload, &s))
	assert.Equal(t, "on", s.Fields["value"].GetStringValue())
	_, hasTime := s.Fields["time"]
	assert.False(t, hasTime)
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	assert.True(t, errors.IsNotFound(err))
	b := newTestBridge(t, t.TempDir())
	assert.True(t, errors.IsNotValid(b.Start(nil)))
	require.NoError(t, b.Close())
	assert.Equal(t, ErrClosing, b.Start(newFakePublisher(0)))
}
