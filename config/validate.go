package config

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
)

// Validate reports all problems at once, see multierr.Errors.
func (c *Config) Validate() error {
	errs := make([]error, 0)
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := log2.ParseLevel(c.LogLevel); err != nil {
		add(errors.Annotate(err, "log_level"))
	}
	if c.Engine == "" {
		add(errors.NotValidf("engine empty"))
	}
	if len(c.Connections) == 0 {
		add(errors.NotFoundf("connection block"))
	}
	seen := make(map[string]struct{}, len(c.Connections))
	for i := range c.Connections {
		cc := &c.Connections[i]
		if cc.Name == "" {
			add(errors.NotValidf("connection[%d].name empty", i))
		}
		if _, dup := seen[cc.Name]; dup {
			add(errors.NotValidf("connection.%s duplicate name", cc.Name))
		}
		seen[cc.Name] = struct{}{}
		_, _, err := cc.ConnectionID()
		add(err)
		_, err = cc.WatchAddresses()
		add(err)
		_, err = cc.ClientOptions()
		add(err)
		if cc.ConnectTimeoutMs < 0 || cc.ReconnectDelayMs < 0 {
			add(errors.NotValidf("connection.%s connect_timeout_ms=%d reconnect_delay_ms=%d", cc.Name, cc.ConnectTimeoutMs, cc.ReconnectDelayMs))
		}
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		add(errors.NotValidf("metrics.path=%q must start with /", c.Metrics.Path))
	}

	if b := &c.Bridge; b.Enabled {
		if b.BrokerURL == "" {
			add(errors.NotFoundf("bridge.broker_url"))
		}
		if b.PersistPath == "" {
			add(errors.NotFoundf("bridge.persist_path"))
		}
		if strings.ContainsAny(b.TopicPrefix, "+#") {
			add(errors.NotValidf("bridge.topic_prefix=%q wildcards", b.TopicPrefix))
		}
		if b.KeepaliveSec < 0 || b.KeepaliveSec > 0xffff {
			add(errors.NotValidf("bridge.keepalive_sec=%d", b.KeepaliveSec))
		}
	}

	if c.Simulate.IntervalMs < 0 {
		add(errors.NotValidf("simulate.interval_ms=%d", c.Simulate.IntervalMs))
	}
	for _, h := range c.Simulate.Hosts {
		switch h.Mode {
		case "", "up", "down", "hang":
		default:
			add(errors.NotValidf("simulate.host.%s.mode=%q", h.Name, h.Mode))
		}
		if _, err := iec.ParseAddressList(h.Points); err != nil {
			add(errors.Annotatef(err, "simulate.host.%s.points", h.Name))
		}
	}

	return helpers.FoldErrors(errs)
}

func (b *BridgeConfig) String() string {
	return fmt.Sprintf("broker=%s client_id=%s prefix=%s persist=%s", b.BrokerURL, b.ClientID, b.TopicPrefix, b.PersistPath)
}
