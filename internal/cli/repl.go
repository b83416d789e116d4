package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/wbcache/wbcache"
	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/control"
	"github.com/wbcache/wbcache/pkg/engine"
)

// REPL is wbcachectl's interactive shell over one open [wbcache.Cache],
// in the shape of cmd/sloty's REPL: a liner.State for readline-style
// input and history, a command table dispatched by the first word of
// each line.
type REPL struct {
	cache  *wbcache.Cache
	out    io.Writer
	errOut io.Writer

	liner *liner.State
}

var replCommands = []string{
	"read", "write", "stats", "sync", "stopsync", "zerostats",
	"allow", "deny", "unallow", "undeny", "help", "exit", "quit",
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".wbcachectl_history")
}

// Run starts the shell loop. Returns the process exit code.
func (r *REPL) Run() int {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	geom := r.cache.Geometry()
	fmt.Fprintf(r.out, "wbcache shell (size=%d, assoc=%d, block_size=%d sectors)\n",
		geom.Size, geom.Assoc, geom.BlockSize)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("wbcache> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(r.out, "\nbye")

				return r.gracefulExit()
			}

			fmt.Fprintln(r.errOut, "error reading input:", err)

			return r.gracefulExit()
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, cmdArgs := strings.ToLower(parts[0]), parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			r.saveHistory()

			return r.gracefulExit()
		}

		if cmd == "fastremove" {
			r.saveHistory()

			return r.shutdown(true)
		}

		r.dispatch(cmd, cmdArgs)
	}
}

func (r *REPL) gracefulExit() int {
	r.saveHistory()

	return r.shutdown(false)
}

func (r *REPL) shutdown(fastRemove bool) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.cache.Shutdown(ctx, fastRemove); err != nil {
		fmt.Fprintln(r.errOut, "error:", err)

		return 1
	}

	return 0
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()

	r.liner.WriteHistory(f)
}

func (r *REPL) dispatch(cmd string, args []string) {
	switch cmd {
	case "help", "?":
		r.printHelp()
	case "read":
		r.cmdRead(args)
	case "write":
		r.cmdWrite(args)
	case "stats", "status":
		fmt.Fprint(r.out, r.cache.Report())
	case "sync":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.cache.Sync(ctx)
		fmt.Fprintln(r.out, "sync complete")
	case "stopsync":
		r.cache.StopSync()
		fmt.Fprintln(r.out, "stop_sync asserted")
	case "zerostats":
		r.cache.ZeroStats()
		fmt.Fprintln(r.out, "counters zeroed")
	case "allow":
		r.pidCmd(control.AllowList, true, args)
	case "deny":
		r.pidCmd(control.DenyList, true, args)
	case "unallow":
		r.pidCmd(control.AllowList, false, args)
	case "undeny":
		r.pidCmd(control.DenyList, false, args)
	default:
		fmt.Fprintf(r.out, "unknown command: %s (type 'help' for commands)\n", cmd)
	}
}

func (r *REPL) pidCmd(kind control.ListKind, add bool, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: allow|deny|unallow|undeny <pid>")

		return
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintln(r.errOut, "invalid pid:", args[0])

		return
	}

	if add {
		if !r.cache.PIDs().Add(kind, pid) {
			fmt.Fprintln(r.out, "list full, pid dropped")
		}

		return
	}

	r.cache.PIDs().Del(kind, pid)
}

func (r *REPL) cmdRead(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.errOut, "usage: read <dbn> [pid]")

		return
	}

	dbn, pid, ok := r.parseDBNAndPID(args)
	if !ok {
		return
	}

	buf := make([]byte, int64(r.cache.Geometry().BlockSize)*blockio.SectorSize)

	err := r.cache.SubmitSync(engine.Request{Op: engine.Read, DBN: dbn, PID: pid, Buf: buf})
	if err != nil {
		fmt.Fprintln(r.errOut, "error:", err)

		return
	}

	fmt.Fprintf(r.out, "%q\n", strings.TrimRight(string(buf), "\x00"))
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(r.errOut, "usage: write <dbn> <data> [pid]")

		return
	}

	dbn, pid, ok := r.parseDBNAndPID(append([]string{args[0]}, args[2:]...))
	if !ok {
		return
	}

	blockBytes := int64(r.cache.Geometry().BlockSize) * blockio.SectorSize

	if int64(len(args[1])) > blockBytes {
		fmt.Fprintln(r.errOut, "data truncated to block size")
	}

	buf := make([]byte, blockBytes)
	copy(buf, args[1])

	err := r.cache.SubmitSync(engine.Request{Op: engine.Write, DBN: dbn, PID: pid, Buf: buf})
	if err != nil {
		fmt.Fprintln(r.errOut, "error:", err)

		return
	}

	fmt.Fprintln(r.out, "ok")
}

func (r *REPL) parseDBNAndPID(args []string) (dbn uint64, pid int, ok bool) {
	dbn, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Fprintln(r.errOut, "invalid dbn:", args[0])

		return 0, 0, false
	}

	if len(args) > 1 {
		pid, err = strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintln(r.errOut, "invalid pid:", args[1])

			return 0, 0, false
		}
	}

	return dbn, pid, true
}

func (r *REPL) completer(line string) []string {
	var out []string

	for _, c := range replCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

const helpText = `  read <dbn> [pid]         Read one block
  write <dbn> <data> [pid] Write one block (data padded/truncated to block size)
  stats                    Show the instance stats/config report
  sync                     Drain all dirty blocks to disk (blocking)
  stopsync                 Abort an in-progress sync between sets
  zerostats                Reset hit/miss/error counters
  allow <pid>              Add pid to the allow list
  deny <pid>               Add pid to the deny list
  unallow <pid>            Remove pid from the allow list
  undeny <pid>             Remove pid from the deny list
  help                     Show this help
  exit / quit / q          Graceful shutdown (drain, persist CLEAN) and exit
  fastremove               Shut down without draining (recovered as DIRTY)`

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, helpText)
}
