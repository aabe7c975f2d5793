package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/ergochat/readline"

	construct "github.com/matrix-construct/construct-sub013"
	"github.com/matrix-construct/construct-sub013/conf"
)

// REPL is the operator console.
type REPL struct {
	Host    *construct.Homeserver
	Runtime *conf.Runtime
	Out     io.Writer
	rl      *readline.Instance
}

var ErrUnknownCommand = errors.New("command unknown")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("event"),
	readline.PcItem("idx"),
	readline.PcItem("head",
		readline.PcItem("reset"),
		readline.PcItem("rebuild"),
	),
	readline.PcItem("state",
		readline.PcItem("rebuild"),
		readline.PcItem("space"),
	),
	readline.PcItem("horizon"),
	readline.PcItem("refs"),

	readline.PcItem("eval"),
	readline.PcItem("bootstrap"),

	readline.PcItem("dump"),
	readline.PcItem("stats"),
	readline.PcItem("evals"),

	readline.PcItem("get"),
	readline.PcItem("set"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// Run reads and executes lines until exit, EOF or ctx is done.
func (repl *REPL) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		line, err := repl.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		// Ctrl-C interrupts the running command, not the console
		cctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err = repl.Exec(cctx, line)
		stop()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			repl.printf("%s\n", err.Error())
		}
	}
	return ctx.Err()
}

func (repl *REPL) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(repl.Out, format, a...)
}

// Exec runs one console line. io.EOF asks the console to exit.
func (repl *REPL) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	switch cmd {
	case "help":
		return repl.CommandHelp(args)
	case "exit", "quit":
		return io.EOF
	// ----- events -----
	case "event":
		return repl.CommandEvent(args)
	case "idx":
		return repl.CommandIdx(args)
	case "refs":
		return repl.CommandRefs(args)
	case "horizon":
		return repl.CommandHorizon(args)
	// ----- rooms -----
	case "head":
		return repl.CommandHead(ctx, args)
	case "state":
		return repl.CommandState(ctx, args)
	// ----- admission -----
	case "eval":
		return repl.CommandEval(ctx, rest)
	case "bootstrap":
		return repl.CommandBootstrap(ctx, args)
	// ----- debug -----
	case "dump":
		return repl.CommandDump(args)
	case "stats":
		repl.Host.DumpStats(repl.Out)
		return nil
	case "evals":
		return repl.CommandEvals(args)
	// ----- settings -----
	case "get":
		return repl.CommandGet(args)
	case "set":
		return repl.CommandSet(args)
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}
