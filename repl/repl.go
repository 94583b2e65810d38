package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/inkwell-db/inkwell"
)

// REPL per se.
type REPL struct {
	db *inkwell.DB
	ns string
	rl *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("open"),
	readline.PcItem("mem"),
	readline.PcItem("use"),

	readline.PcItem("insert"),
	readline.PcItem("find"),
	readline.PcItem("count"),
	readline.PcItem("delete"),

	readline.PcItem("index"),
	readline.PcItem("explain"),
	readline.PcItem("dump"),

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

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◆ ",
		HistoryFile:     ".inkwell_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	if repl.db != nil {
		_ = repl.db.Close()
		repl.db = nil
	}
	return nil
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd := line
	arg := ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd = line[:ws]
		arg = strings.TrimSpace(line[ws:])
	}

	switch cmd {
	case "help":
		repl.CommandHelp()
	case "open":
		err = repl.CommandOpen(arg, false)
	case "mem":
		err = repl.CommandOpen(arg, true)
	case "use":
		err = repl.CommandUse(arg)
	case "insert":
		err = repl.CommandInsert(arg)
	case "find":
		err = repl.CommandFind(arg)
	case "count":
		err = repl.CommandCount(arg)
	case "delete":
		err = repl.CommandDelete(arg)
	case "index":
		err = repl.CommandIndex(arg)
	case "explain":
		err = repl.CommandExplain(arg)
	case "dump":
		err = repl.CommandDump(arg)
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return err
}

func main() {
	repl := REPL{}

	err := repl.Open()
	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			err = nil
		}
		err = repl.REPL()
	}
	_ = repl.Close()
}
