package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/iec104/cmd/iec104/console"
	"github.com/temoto/iec104/cmd/iec104/run"
	"github.com/temoto/iec104/cmd/iec104/subcmd"
	"github.com/temoto/iec104/config"
	"github.com/temoto/iec104/log2"
)

var BuildVersion = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	{Name: "version", Usage: "print version", SkipConfig: true, Main: versionMain},
}

func main() {
	flagset := flag.NewFlagSet("iec104", flag.ExitOnError)
	flagConfig := flagset.String("config", "iec104.hcl", "config file, .hcl or .yaml")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "usage: iec104 [-config path] command\ncommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		flagset.PrintDefaults()
	}
	_ = flagset.Parse(os.Args[1:])

	mod, err := subcmd.Parse(strings.TrimSpace(flagset.Arg(0)), modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify(log, "start") {
		// under systemd, journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	var cfg *config.Config
	if !mod.SkipConfig {
		cfg = config.MustReadFile(log, *flagConfig)
		log.Debugf("config engine=%s connections=%d bridge=%t", cfg.Engine, len(cfg.Connections), cfg.Bridge.Enabled)
	}
	if err := mod.Main(context.Background(), log, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func versionMain(ctx context.Context, log *log2.Log, _ *config.Config) error {
	fmt.Printf("iec104 %s\n", BuildVersion)
	return nil
}
