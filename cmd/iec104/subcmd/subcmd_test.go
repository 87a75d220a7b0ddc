package subcmd

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/config"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/iec/sim"
	"github.com/temoto/iec104/log2"
)

func TestParse(t *testing.T) {
	t.Parallel()

	mods := []Mod{{Name: "run"}, {Name: "cli"}}
	m, err := Parse("cli", mods)
	require.NoError(t, err)
	assert.Equal(t, "cli", m.Name)
	_, err = Parse("", mods)
	assert.Error(t, err)
	_, err = Parse("nope", mods)
	assert.True(t, errors.IsNotFound(err))
	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })
}

const testConfig = `
log_level = "debug"
connection "a" {
	servers = "rtu1:2404,rtu2:2404"
	connect_timeout_ms = 5000
	reconnect_delay_ms = 1
	watch = ["1-100"]
}
connection "b" {
	servers = "rtu3:2404"
	connect_timeout_ms = 50
	reconnect_delay_ms = 10
}
simulate {
	interval_ms = 5
	host "rtu1" { points = ["1-100"] }
	host "rtu3" { mode = "down" }
}`

func newTestEnv(t testing.TB, source string, hook StateHook) (*Env, *sim.Engine) {
	t.Helper()
	log := log2.NewTest(t, log2.LDebug)
	cfg, err := config.Read(log, config.NewMockFullReader(map[string]string{"main.hcl": source}), "main.hcl")
	require.NoError(t, err)
	engine := sim.NewEngine(log)
	env, err := NewEnvEngine(log, cfg, engine, hook)
	require.NoError(t, err)
	return env, engine
}

func TestEnvStartSimulate(t *testing.T) {
	t.Parallel()

	states := make(chan iec.State, 64)
	env, engine := newTestEnv(t, testConfig, func(id string) iec.StateListener {
		if id != "a" {
			return nil
		}
		return iec.StateListenerFunc(func(s iec.State, err error) { states <- s })
	})
	require.Len(t, env.Conns, 2)
	a, ok := env.Conn("a")
	require.True(t, ok)
	assert.Equal(t, []iec.Address{iec.NewAddress(1, 100)}, a.Watch)
	_, ok = env.Conn("nope")
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, env.Simulate(ctx))
	assert.Equal(t, sim.ModeDown, engine.Host("rtu3").Mode())
	require.NoError(t, env.Start(ctx))
	assert.Equal(t, client.StateConnected, a.Conn.State())

	// random walk reaches connection cache
	require.Eventually(t, func() bool {
		_, ok := a.Conn.Value(iec.NewAddress(1, 100))
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	select {
	case s := <-states:
		assert.Equal(t, iec.StateConnecting, s)
	case <-time.After(5 * time.Second):
		t.Fatal("state hook not called")
	}

	before := testutil.ToFloat64(env.LogErrors)
	env.Log.Errorf("test error")
	assert.Equal(t, before+1, testutil.ToFloat64(env.LogErrors))

	cancel()
	require.NoError(t, env.Stop())
	assert.Equal(t, client.StateStopped, a.Conn.State())
}

func TestEnvErrors(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	cfg, err := config.Read(log, config.NewMockFullReader(map[string]string{"main.hcl": testConfig}), "main.hcl")
	require.NoError(t, err)
	cfg.Engine = "nope"
	_, err = NewEnv(log, cfg, nil)
	assert.True(t, errors.IsNotFound(err))
}
