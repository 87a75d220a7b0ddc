// Package console is interactive client for configured connections.
package console

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/cmd/iec104/subcmd"
	"github.com/temoto/iec104/config"
	"github.com/temoto/iec104/helpers/cli"
	"github.com/temoto/iec104/iec"
	"github.com/temoto/iec104/log2"
	"go.uber.org/multierr"
)

const usage = `syntax: one command per line, applies to current connection
(main)
- watch ADDR...          print updates of ASDU-IOA addresses, e.g. watch 1-100 1-101
- unwatch ADDR...        stop printing
- sc ADDR on|off [select]  single command
- dc ADDR on|off [select]  double command
- sf ADDR FLOAT [select]   setpoint short float
- ss ADDR INT [select]     setpoint scaled
- gi [ASDU [QOI]]        general interrogation
- state                  show all connections
- use NAME               switch current connection

(meta)
- log=yes  enable debug logging
- log=no   restore configured log level
`

var Mod = subcmd.Mod{Name: "cli", Usage: "interactive console", Main: Main}

func Main(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	log.SetFlags(log2.LInteractiveFlags)
	env, err := subcmd.NewEnv(log, cfg, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err = env.Simulate(ctx); err != nil {
		return err
	}
	if err = env.Start(ctx); err != nil {
		return multierr.Append(err, env.Stop())
	}

	c := newConsole(env)
	onSignal := func(os.Signal) {
		if err := env.Stop(); err != nil {
			log.Error(err)
		}
		os.Exit(1)
	}
	if err = cli.MainLoop("iec104", c.exec, c.complete, onSignal); err != nil {
		log.Error(err)
	}
	return env.Stop()
}

type console struct {
	env     *subcmd.Env
	log     *log2.Log
	current *subcmd.Conn
	printer client.ValueListener
	level   log2.Level // configured, restored by log=no
}

func newConsole(env *subcmd.Env) *console {
	c := &console{env: env, log: env.Log, level: log2.LInfo}
	if env.Config != nil {
		if level, err := log2.ParseLevel(env.Config.LogLevel); err == nil {
			c.level = level
		}
	}
	if len(env.Conns) != 0 {
		c.current = env.Conns[0]
	}
	c.printer = client.ValueListenerFunc(func(addr iec.Address, v iec.Value) {
		c.log.Infof("< %s %s", addr, v)
	})
	return c
}

func (c *console) exec(line string) {
	if err := c.run(line); err != nil {
		c.log.Error(errors.ErrorStack(err))
	}
}

func (c *console) run(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	switch words[0] {
	case "help":
		c.log.Info(usage)
		return nil
	case "log=yes":
		c.log.SetLevel(log2.LDebug)
		return nil
	case "log=no":
		c.log.SetLevel(c.level)
		return nil
	case "state":
		for _, conn := range c.env.Conns {
			mark := " "
			if conn == c.current {
				mark = "*"
			}
			c.log.Infof("%s %s %s", mark, conn.ID, conn.Conn.Stats())
		}
		return nil
	case "use":
		if len(words) != 2 {
			return errors.NotValidf("expected: use NAME")
		}
		conn, ok := c.env.Conn(words[1])
		if !ok {
			return errors.NotFoundf("connection=%s", words[1])
		}
		c.current = conn
		return nil
	}

	if c.current == nil {
		return errors.NotFoundf("connection")
	}
	switch words[0] {
	case "watch", "unwatch":
		addrs, err := iec.ParseAddressList(words[1:])
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return errors.NotValidf("expected: %s ADDR...", words[0])
		}
		var l client.ValueListener
		if words[0] == "watch" {
			l = c.printer
		}
		for _, addr := range addrs {
			c.current.Conn.SetListener(addr, l)
		}
		return nil
	}

	cmd, err := iec.ParseCommand(line)
	if err != nil {
		return err
	}
	if err = c.current.Gateway.Send(cmd); err != nil {
		return err
	}
	c.log.Infof("> %s sent %s", c.current.ID, cmd)
	return nil
}

func (c *console) complete(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "help", Description: "show usage"},
		{Text: "watch", Description: "print updates of addresses"},
		{Text: "unwatch", Description: "stop printing updates"},
		{Text: "sc", Description: "single command"},
		{Text: "dc", Description: "double command"},
		{Text: "sf", Description: "setpoint float"},
		{Text: "ss", Description: "setpoint scaled"},
		{Text: "gi", Description: "general interrogation"},
		{Text: "state", Description: "show connections"},
		{Text: "log=yes", Description: "enable debug logging"},
		{Text: "log=no", Description: "restore configured log level"},
	}
	names := make([]string, 0, len(c.env.Conns))
	for _, conn := range c.env.Conns {
		names = append(names, conn.ID)
	}
	sort.Strings(names)
	suggests = append(suggests, prompt.Suggest{Text: "use", Description: fmt.Sprintf("switch connection: %s", strings.Join(names, " "))})
	return cli.Suggest(d, suggests)
}
