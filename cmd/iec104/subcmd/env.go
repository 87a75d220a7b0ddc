package subcmd

import (
	"context"
	"math/rand"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/config"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/iec/sim"
	"github.com/temoto/iec104/log2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Env is runtime built from config, shared by sub-commands.
type Env struct {
	Log     *log2.Log
	Config  *config.Config
	Engine  iec.Engine
	Metrics *client.Metrics
	Conns   []*Conn

	LogErrors prometheus.Counter
}

type Conn struct {
	ID      string
	Watch   []iec.Address
	Conn    *client.Connection
	Gateway *client.Gateway
}

// StateHook returns extra state listener for connection id, may return nil.
type StateHook func(id string) iec.StateListener

// NewEnv creates connections without starting them.
func NewEnv(log *log2.Log, cfg *config.Config, hook StateHook) (*Env, error) {
	engine, err := iec.LookupEngine(cfg.Engine)
	if err != nil {
		return nil, errors.Annotatef(err, "available=%v", iec.EngineNames())
	}
	if se, ok := engine.(*sim.Engine); ok && se.Log == nil {
		se.Log = log.WithPrefix("sim: ")
	}
	return NewEnvEngine(log, cfg, engine, hook)
}

// NewEnvEngine ignores cfg.Engine.
func NewEnvEngine(log *log2.Log, cfg *config.Config, engine iec.Engine, hook StateHook) (*Env, error) {
	level, err := log2.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	env := &Env{
		Log:     log,
		Config:  cfg,
		Engine:  engine,
		Metrics: client.NewMetrics(),
	}
	env.LogErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iec104_log_errors_total",
		Help: "Errors logged by application",
	})
	env.Metrics.Registry().MustRegister(env.LogErrors)
	log.SetErrorFunc(func(error) { env.LogErrors.Inc() })

	errs := make([]error, 0)
	for i := range cfg.Connections {
		cc := &cfg.Connections[i]
		c, err := env.newConn(cc, hook)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		env.Conns = append(env.Conns, c)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return env, nil
}

func (env *Env) newConn(cc *config.ConnectionConfig, hook StateHook) (*Conn, error) {
	id, eps, err := cc.ConnectionID()
	if err != nil {
		return nil, err
	}
	watch, err := cc.WatchAddresses()
	if err != nil {
		return nil, err
	}
	opt, err := cc.ClientOptions()
	if err != nil {
		return nil, err
	}
	log := env.Log
	var extra iec.StateListener
	if hook != nil {
		extra = hook(id.ID)
	}
	opt.Engine = env.Engine
	opt.Log = log
	opt.Metrics = env.Metrics
	opt.StateListener = iec.StateListenerFunc(func(s iec.State, err error) {
		if err != nil {
			log.Infof("connection=%s session state=%s err=%v", id.ID, s, err)
		} else {
			log.Debugf("connection=%s session state=%s", id.ID, s)
		}
		if extra != nil {
			extra.StateChanged(s, err)
		}
	})
	conn, err := client.NewConnection(id, eps, opt)
	if err != nil {
		return nil, err
	}
	return &Conn{ID: id.ID, Watch: watch, Conn: conn, Gateway: client.NewGateway(conn)}, nil
}

func (env *Env) Conn(id string) (*Conn, bool) {
	for _, c := range env.Conns {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Start connects all concurrently, each waits up to its connect timeout.
func (env *Env) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range env.Conns {
		c := c
		g.Go(func() error {
			return errors.Annotatef(c.Conn.Start(gctx), "connection=%s", c.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, c := range env.Conns {
		env.Log.Infof("connection=%s %s", c.ID, c.Conn.Stats())
	}
	return nil
}

func (env *Env) Stop() error {
	var err error
	for _, c := range env.Conns {
		err = multierr.Append(err, errors.Annotatef(c.Conn.Stop(), "connection=%s", c.ID))
	}
	return err
}

// Simulate configures simulated outstations and random walks their points until ctx is done.
// No-op unless engine is sim.
func (env *Env) Simulate(ctx context.Context) error {
	se, ok := env.Engine.(*sim.Engine)
	if !ok {
		return nil
	}
	interval := helpers.IntMillisecondDefault(env.Config.Simulate.IntervalMs, time.Second)
	rnd := helpers.RandUnix()
	for _, hc := range env.Config.Simulate.Hosts {
		mode, err := sim.ParseMode(hc.Mode)
		if err != nil {
			return err
		}
		points, err := iec.ParseAddressList(hc.Points)
		if err != nil {
			return errors.Annotatef(err, "simulate host=%s", hc.Name)
		}
		h := se.Host(hc.Name)
		h.SetMode(mode)
		env.Log.Debugf("simulate host=%s mode=%s points=%v", hc.Name, mode, points)
		go h.Walk(ctx, points, interval, rand.New(rand.NewSource(rnd.Int63())))
	}
	return nil
}
