// Package run is the daemon: connections, MQTT bridge, metrics endpoint.
package run

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/iec104/bridge"
	"github.com/temoto/iec104/bridge/mqtt"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/cmd/iec104/subcmd"
	"github.com/temoto/iec104/config"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
	"go.uber.org/multierr"
)

const shutdownTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: "run", Usage: "run connections, bridge and metrics until SIGINT/SIGTERM", Main: Main}

func Main(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	d, err := newDaemon(log, cfg)
	if err != nil {
		return err
	}
	if err = d.start(ctx); err != nil {
		return multierr.Append(err, d.stop())
	}
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("running, connections=%d", len(d.env.Conns))

	<-ctx.Done()
	log.Infof("shutdown")
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	return d.stop()
}

type runDaemon struct {
	log    *log2.Log
	cfg    *config.Config
	env    *subcmd.Env
	bridge *bridge.Bridge
	mqtt   *mqtt.Client
	http   *http.Server
	addr   string // metrics listen address
	cancel context.CancelFunc
}

func newDaemon(log *log2.Log, cfg *config.Config) (*runDaemon, error) {
	d := &runDaemon{log: log, cfg: cfg}
	var hook subcmd.StateHook
	if cfg.Bridge.Enabled {
		b, err := bridge.New(bridge.Options{
			PersistPath:    cfg.Bridge.PersistPath,
			TopicPrefix:    cfg.Bridge.TopicPrefix,
			PublishTimeout: helpers.IntSecondDefault(cfg.Bridge.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout),
			Log:            log.WithPrefix("bridge: "),
		})
		if err != nil {
			return nil, err
		}
		d.bridge = b
		hook = b.StateListener
	}
	env, err := subcmd.NewEnv(log, cfg, hook)
	if err != nil {
		if d.bridge != nil {
			err = multierr.Append(err, d.bridge.Close())
		}
		return nil, err
	}
	d.env = env
	return d, nil
}

func (d *runDaemon) start(ctx context.Context) error {
	simctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	if err := d.env.Simulate(simctx); err != nil {
		return errors.Annotate(err, "simulate")
	}
	if err := d.startMetrics(); err != nil {
		return err
	}
	if d.bridge != nil {
		if err := d.startBridge(); err != nil {
			return err
		}
	}
	if err := d.env.Start(ctx); err != nil {
		return err
	}

	for _, c := range d.env.Conns {
		if d.bridge != nil {
			if err := d.bridge.Watch(c.ID, c.Conn, c.Watch); err != nil {
				return err
			}
			continue
		}
		id := c.ID
		l := client.ValueListenerFunc(func(addr iec.Address, v iec.Value) {
			d.log.Infof("connection=%s address=%s %s", id, addr, v)
		})
		for _, addr := range c.Watch {
			c.Conn.SetListener(addr, l)
		}
	}
	return nil
}

func (d *runDaemon) startBridge() error {
	bc := &d.cfg.Bridge
	mlog := d.log.Clone(log2.LInfo).WithPrefix("mqtt: ")
	if bc.LogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	d.log.Debugf("bridge %s", bc.String())
	var err error
	d.mqtt, err = mqtt.NewClient(mqtt.Options{
		BrokerURL:      bc.BrokerURL,
		ClientID:       bc.ClientID,
		Username:       bc.Username,
		Password:       bc.Password,
		KeepaliveSec:   uint16(bc.KeepaliveSec),
		NetworkTimeout: helpers.IntSecondDefault(bc.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout),
		ReconnectDelay: helpers.IntMillisecondDefault(bc.ReconnectDelayMs, mqtt.DefaultReconnectDelay),
		Subscriptions:  d.bridge.Subscriptions(),
		OnMessage:      d.bridge.OnMessage,
		Log:            mlog,
	})
	if err != nil {
		return errors.Annotate(err, "bridge")
	}
	return d.bridge.Start(d.mqtt)
}

func (d *runDaemon) startMetrics() error {
	mc := &d.cfg.Metrics
	if mc.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", mc.Listen)
	if err != nil {
		return errors.Annotatef(err, "metrics listen=%s", mc.Listen)
	}
	mux := http.NewServeMux()
	mux.Handle(mc.Path, d.env.Metrics.Handler())
	d.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	d.addr = ln.Addr().String()
	go func() {
		if err := d.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log.Errorf("metrics serve err=%v", err)
		}
	}()
	d.log.Infof("metrics listen=%s path=%s", ln.Addr(), mc.Path)
	return nil
}

// stop in reverse order of start, collecting every error.
func (d *runDaemon) stop() error {
	var err error
	if d.cancel != nil {
		d.cancel()
	}
	if d.bridge != nil {
		err = multierr.Append(err, d.bridge.Close())
	}
	err = multierr.Append(err, d.env.Stop())
	if d.mqtt != nil {
		err = multierr.Append(err, errors.Annotate(d.mqtt.Close(), "mqtt"))
	}
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, errors.Annotate(d.http.Shutdown(ctx), "metrics"))
	}
	return err
}
