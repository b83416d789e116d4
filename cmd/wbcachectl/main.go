// wbcachectl opens a wbcache instance and drops into an interactive
// administrative shell (stats, sync control, PID allow/deny lists).
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wbcache/wbcache/internal/cli"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}
