// Package cli runs line oriented interactive consoles.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop calls exec for every stdin line until EOF.
// Terminal gets line editor with completion, pipe is read as script.
// onSignal is called on SIGHUP, SIGINT, SIGTERM, SIGQUIT; nil means exit(1).
func MainLoop(tag string, exec func(line string), complete prompt.Completer, onSignal func(os.Signal)) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		for s := range signalCh {
			if onSignal == nil {
				os.Exit(1)
			}
			onSignal(s)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return RunLines(os.Stdin, exec)
}

// RunLines skips blank lines and lines starting with #.
func RunLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli read")
}

// Suggest filters commands by the word before cursor.
func Suggest(d prompt.Document, commands []prompt.Suggest) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}
