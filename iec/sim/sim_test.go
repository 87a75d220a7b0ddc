package sim

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
)

type recorder struct {
	sync.Mutex
	states []iec.State
	errs   []error
	data   []point
}

func (r *recorder) StateChanged(s iec.State, err error) {
	r.Lock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
	r.Unlock()
}

func (r *recorder) Activated(dc iec.DataContext) {
	dc.RequestStartData()
	dc.StartInterrogation(iec.BroadcastASDU, iec.QOIStation)
}

func (r *recorder) Data(addr iec.Address, v iec.Value) {
	r.Lock()
	r.data = append(r.data, point{addr, v})
	r.Unlock()
}

func (r *recorder) lastState() (iec.State, bool) {
	r.Lock()
	defer r.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) dataLen() int {
	r.Lock()
	defer r.Unlock()
	return len(r.data)
}

func waitState(t testing.TB, r *recorder, expect iec.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := r.lastState()
		return ok && s == expect
	}, 5*time.Second, time.Millisecond, "expected state=%s", expect)
}

func TestConnectInterrogation(t *testing.T) {
	t.Parallel()

	e := NewEngine(log2.NewTest(t, log2.LDebug))
	h := e.Host("rtu1")
	a1, a2 := iec.NewAddress(1, 100), iec.NewAddress(2, 200)
	h.Set(a2, iec.Value{Value: float32(1.5)})
	h.Set(a1, iec.Value{Value: true})

	r := &recorder{}
	s, err := e.Open("rtu1", 2404, iec.Options{}, r)
	require.NoError(t, err)
	defer s.Close()
	waitState(t, r, iec.StateConnected)
	require.Eventually(t, func() bool { return r.dataLen() == 2 }, 5*time.Second, time.Millisecond)

	r.Lock()
	assert.Equal(t, []iec.State{iec.StateConnecting, iec.StateConnected}, r.states)
	assert.Equal(t, a1, r.data[0].addr)
	assert.Equal(t, a2, r.data[1].addr)
	r.Unlock()
	assert.Equal(t, []string{"rtu1:2404"}, e.Opened())
	assert.Equal(t, 1, h.Sessions())

	h.Set(a1, iec.Value{Value: false})
	require.Eventually(t, func() bool { return r.dataLen() == 3 }, 5*time.Second, time.Millisecond)
}

func TestCommand(t *testing.T) {
	t.Parallel()

	e := NewEngine(log2.NewTest(t, log2.LDebug))
	h := e.Host("rtu1")
	r := &recorder{}
	s, err := e.Open("rtu1", 2404, iec.Options{}, r)
	require.NoError(t, err)
	waitState(t, r, iec.StateConnected)

	addr := iec.NewAddress(1, 5)
	cmd := iec.SetpointFloat{Address: addr, Value: 42}
	require.Eventually(t, func() bool { return s.SendCommand(cmd) }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []iec.Command{cmd}, h.Commands())
	v, ok := h.Get(addr)
	require.True(t, ok)
	assert.Equal(t, float32(42), v.Value)

	require.NoError(t, s.Close())
	assert.False(t, s.SendCommand(cmd))
	assert.Equal(t, 0, h.Sessions())
}

func TestDownAndDrop(t *testing.T) {
	t.Parallel()

	e := NewEngine(log2.NewTest(t, log2.LDebug))
	h := e.Host("rtu1")
	h.SetMode(ModeDown)
	r := &recorder{}
	s, err := e.Open("rtu1", 2404, iec.Options{}, r)
	require.NoError(t, err)
	waitState(t, r, iec.StateDisconnected)
	r.Lock()
	assert.Equal(t, ErrRefused, r.errs[len(r.errs)-1])
	r.Unlock()
	assert.False(t, s.SendCommand(iec.InterrogationCommand{}))
	require.NoError(t, s.Close())

	h.SetMode(ModeUp)
	r2 := &recorder{}
	s2, err := e.Open("rtu1", 2404, iec.Options{}, r2)
	require.NoError(t, err)
	defer s2.Close()
	waitState(t, r2, iec.StateConnected)
	h.Drop()
	waitState(t, r2, iec.StateDisconnected)
	r2.Lock()
	assert.Equal(t, ErrDropped, r2.errs[len(r2.errs)-1])
	r2.Unlock()
}

func TestHangReleasedByClose(t *testing.T) {
	t.Parallel()

	e := NewEngine(log2.NewTest(t, log2.LDebug))
	e.SetUnknownHostMode(ModeHang)
	r := &recorder{}
	s, err := e.Open("nowhere", 2404, iec.Options{}, r)
	require.NoError(t, err)
	waitState(t, r, iec.StateConnecting)
	require.NoError(t, s.Close())
	s1, _ := r.lastState()
	assert.Equal(t, iec.StateConnecting, s1)
}

func TestWalk(t *testing.T) {
	t.Parallel()

	e := NewEngine(log2.NewTest(t, log2.LDebug))
	h := e.Host("rtu1")
	addr := iec.NewAddress(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Walk(ctx, []iec.Address{addr}, time.Millisecond, rand.New(rand.NewSource(1)))
		close(done)
	}()
	require.Eventually(t, func() bool { _, ok := h.Get(addr); return ok }, 5*time.Second, time.Millisecond)
	cancel()
	<-done
	v, _ := h.Get(addr)
	assert.IsType(t, float32(0), v.Value)
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	e, err := iec.LookupEngine(EngineName)
	require.NoError(t, err)
	assert.Equal(t, Default, e)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeUp, ModeDown, ModeHang} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeUp, m)
	_, err = ParseMode("sideways")
	assert.True(t, errors.IsNotValid(err))
}
