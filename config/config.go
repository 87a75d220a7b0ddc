// Package config reads HCL (default) or YAML files with includes and ${ENV} expansion.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/log2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	includeSeen map[string]struct{}
	XXX_Include []Source `hcl:"include" yaml:"include"`

	LogLevel    string             `hcl:"log_level" yaml:"log_level"`
	Engine      string             `hcl:"engine" yaml:"engine"`
	Connections []ConnectionConfig `hcl:"connection" yaml:"connections"`
	Metrics     MetricsConfig      `hcl:"metrics" yaml:"metrics"`
	Bridge      BridgeConfig       `hcl:"bridge" yaml:"bridge"`
	Simulate    SimulateConfig     `hcl:"simulate" yaml:"simulate"`
}

type Source struct {
	Name     string `hcl:"name,key" yaml:"name"`
	Optional bool   `hcl:"optional" yaml:"optional"`
}

type MetricsConfig struct {
	Listen string `hcl:"listen" yaml:"listen"` // empty disables
	Path   string `hcl:"path" yaml:"path"`
}

type BridgeConfig struct { //nolint:maligned
	Enabled           bool   `hcl:"enable" yaml:"enable"`
	BrokerURL         string `hcl:"broker_url" yaml:"broker_url"`
	ClientID          string `hcl:"client_id" yaml:"client_id"`
	Username          string `hcl:"username" yaml:"username"`
	Password          string `hcl:"password" yaml:"password"` // secret
	KeepaliveSec      int    `hcl:"keepalive_sec" yaml:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec" yaml:"network_timeout_sec"`
	ReconnectDelayMs  int    `hcl:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	TopicPrefix       string `hcl:"topic_prefix" yaml:"topic_prefix"`
	PersistPath       string `hcl:"persist_path" yaml:"persist_path"`
	LogDebug          bool   `hcl:"log_debug" yaml:"log_debug"`
}

type SimulateConfig struct {
	IntervalMs int             `hcl:"interval_ms" yaml:"interval_ms"`
	Hosts      []SimHostConfig `hcl:"host" yaml:"hosts"`
}

type SimHostConfig struct {
	Name   string   `hcl:"name,key" yaml:"name"`
	Mode   string   `hcl:"mode" yaml:"mode"` // up, down, hang
	Points []string `hcl:"points" yaml:"points"`
}

const (
	DefaultEngine      = "sim"
	DefaultMetricsPath = "/metrics"
	DefaultTopicPrefix = "iec104"
	DefaultSimInterval = 1000
)

func (c *Config) format(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "hcl"
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	expanded := os.ExpandEnv(string(bs))
	part := &Config{}
	switch c.format(source.Name) {
	case "yaml":
		err = yaml.Unmarshal([]byte(expanded), part)
	default:
		err = hcl.Unmarshal([]byte(expanded), part)
	}
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}
	c.merge(part)

	for _, include := range part.XXX_Include {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// merge: later source overrides scalars, lists are appended.
func (c *Config) merge(p *Config) {
	if p.LogLevel != "" {
		c.LogLevel = p.LogLevel
	}
	if p.Engine != "" {
		c.Engine = p.Engine
	}
	c.Connections = append(c.Connections, p.Connections...)
	if p.Metrics.Listen != "" {
		c.Metrics.Listen = p.Metrics.Listen
	}
	if p.Metrics.Path != "" {
		c.Metrics.Path = p.Metrics.Path
	}
	if p.Bridge != (BridgeConfig{}) {
		c.Bridge = p.Bridge
	}
	if p.Simulate.IntervalMs != 0 {
		c.Simulate.IntervalMs = p.Simulate.IntervalMs
	}
	c.Simulate.Hosts = append(c.Simulate.Hosts, p.Simulate.Hosts...)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Bridge.TopicPrefix == "" {
		c.Bridge.TopicPrefix = DefaultTopicPrefix
	}
	if c.Simulate.IntervalMs == 0 {
		c.Simulate.IntervalMs = DefaultSimInterval
	}
}

// Read merges named sources in order, applies defaults and validates.
// First name sets base directory for relative includes when fs is *OsFullReader.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if dir != "" {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return nil, errors.Annotatef(err, "config path=%s", names[0])
			}
			osfs.base = abs
			names = append([]string{name}, names[1:]...)
		}
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, errors.Annotate(err, "config validate")
	}
	return c, nil
}

func ReadFile(log *log2.Log, path string) (*Config, error) {
	fs, err := NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	return Read(log, fs, path)
}

func MustReadFile(log *log2.Log, path string) *Config {
	c, err := ReadFile(log, path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) Connection(name string) (*ConnectionConfig, bool) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], true
		}
	}
	return nil, false
}
