// mcastupd is the upstream multicast sender. Run bare it is the
// per-feed sender child (forked by the manage subcommand's parent
// daemon, or started by hand); the manage subcommand is the parent
// that registers potential senders and forks one child per feed on
// first subscription.
package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/dissemhub/mcastup/internal/lderr"
)

func main() {
	root := newRootCmd()
	root.AddCommand(newIdxdumpCmd(), newManageCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(lderr.ExitCode(lderr.KindOf(err)))
	}
}
