// Package cli implements wbcachectl's command-line surface: global device
// flags parsed with pflag, then an interactive stats/control shell over
// one open [wbcache.Cache] (spec §4.G — "explicitly external" to the
// core, per SPEC_FULL.md's CLI section).
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/wbcache/wbcache/pkg/control"

	"github.com/wbcache/wbcache"
)

// Run is wbcachectl's entry point. Returns the process exit code. The
// shell reads from the process's own stdin via liner, not from a
// caller-supplied reader, so stdin is accepted and ignored, matching
// cmd/tk's own `Run(_ io.Reader, ...)` shape for a command whose input
// can't be redirected through an io.Reader.
// sigCh may be nil if signal handling is not needed (tests).
func Run(_ io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("wbcachectl", flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{}) // discard pflag's own error/usage output
	flags.Usage = func() {}

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagDisk := flags.String("disk", "", "Backing disk device or file")
	flagCache := flags.String("cache", "", "Cache device or file")
	flagMode := flags.String("mode", "reload", "One of: reload, create, forcecreate")
	flagBlockSize := flags.Uint32("block-size", 0, "Block size in sectors (default: wbcache.DefaultBlockSize)")
	flagAssoc := flags.Uint32("assoc", 0, "Set associativity (default: wbcache.DefaultAssoc)")
	flagSize := flags.Uint64("size", 0, "Cache size in sectors (default: whole cache device)")
	flagChecksums := flags.Bool("checksums", false, "Enable per-block checksums")

	if err := flags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	if *flagHelp {
		printUsage(out)

		return 0
	}

	if *flagDisk == "" || *flagCache == "" {
		fprintln(errOut, "error: --disk and --cache are required")
		printUsage(errOut)

		return 1
	}

	mode, err := parseMode(*flagMode)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	opts := wbcache.Options{
		DiskPath:  *flagDisk,
		CachePath: *flagCache,
		Mode:      mode,
		BlockSize: *flagBlockSize,
		Assoc:     *flagAssoc,
		Size:      *flagSize,
		Checksums: *flagChecksums,
		Tunables:  control.DefaultTunables(),
	}

	c, err := wbcache.Open(opts)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	repl := &REPL{cache: c, out: out, errOut: errOut}

	done := make(chan int, 1)

	go func() { done <- repl.Run() }()

	select {
	case exitCode := <-done:
		return exitCode
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
	}

	// The REPL goroutine is blocked reading stdin and has no reliable way
	// to be woken from here; shut the cache down underneath it and let
	// process exit reclaim the goroutine, matching cmd/tk's own
	// abandon-on-timeout shape for a command that won't cooperate.
	select {
	case <-done:
		return shutdownAndExit(c, false, 130, errOut)
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forcing fast-remove")

		return shutdownAndExit(c, true, 130, errOut)
	}
}

func shutdownAndExit(c *wbcache.Cache, fastRemove bool, code int, errOut io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Shutdown(ctx, fastRemove); err != nil {
		fprintln(errOut, "error during shutdown:", err)
	}

	return code
}

func parseMode(s string) (wbcache.Mode, error) {
	switch strings.ToLower(s) {
	case "reload", "":
		return wbcache.Reload, nil
	case "create":
		return wbcache.Create, nil
	case "forcecreate":
		return wbcache.ForceCreate, nil
	default:
		return 0, fmt.Errorf("unknown --mode %q (want reload, create, or forcecreate)", s)
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const usageText = `wbcachectl - administrative shell for a wbcache instance

Usage: wbcachectl --disk <path> --cache <path> [flags]

Flags:
  -h, --help               Show help
      --disk <path>        Backing disk device or file (required)
      --cache <path>        Cache device or file (required)
      --mode <mode>         reload (default), create, or forcecreate
      --block-size <n>      Block size in sectors
      --assoc <n>           Set associativity
      --size <n>            Cache size in sectors
      --checksums           Enable per-block checksums

Opens the cache and drops into an interactive shell. Type 'help' there
for the list of shell commands.`

func printUsage(w io.Writer) {
	fprintln(w, usageText)
}
