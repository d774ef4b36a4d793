package console

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sarchlab/x64emu/log"
)

// LineReader supplies console input one line at a time. *readline.Instance
// satisfies it.
type LineReader interface {
	Readline() (string, error)
}

// Serve reads lines from r and executes them until quit or end of input.
// Command errors are printed and do not end the session.
func (d *Debugger) Serve(r LineReader) error {
	for {
		line, err := r.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = d.Exec(line)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			log.Debug(log.Console, "command failed", "line", strings.TrimSpace(line), "err", err)
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
	}
}

// Interactive starts a readline session on the terminal and serves it. An
// empty historyFile disables history.
func (d *Debugger) Interactive(historyFile string) error {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("step"), readline.PcItem("continue"), readline.PcItem("run"),
		readline.PcItem("regs"), readline.PcItem("set"), readline.PcItem("mem"),
		readline.PcItem("break"), readline.PcItem("delete"), readline.PcItem("breaks"),
		readline.PcItem("disasm"), readline.PcItem("regions"),
		readline.PcItem("snapshot",
			readline.PcItem("save"), readline.PcItem("load"), readline.PcItem("list")),
		readline.PcItem("js"), readline.PcItem("help"), readline.PcItem("quit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "(x64emu) ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer func() { _ = rl.Close() }()

	if d.out == io.Discard {
		d.out = rl.Stdout()
		d.script.out = d.out
	}
	log.Info(log.Console, "console started", "rip", fmt.Sprintf("0x%x", d.emu.RegFile().RIP))
	return d.Serve(rl)
}
