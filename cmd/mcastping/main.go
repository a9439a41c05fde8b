// mcastping probes a sender's repair port: it dials, issues the
// one-way test_connection request and reports how long each send took.
// Because that channel never replies, a completed write is the
// liveness signal; a refused dial or a broken write is the failure.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dissemhub/mcastup/internal/repair"
)

func main() {
	var (
		interval time.Duration
		timeout  time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:           "mcastping <host:port>",
		Short:         "probe a sender's repair port",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ping(cmd, args[0], interval, timeout, count)
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "delay between probes")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "dial timeout")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of probes (0 probes forever)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ping(cmd *cobra.Command, addr string, interval, timeout time.Duration, count int) error {
	client, err := repair.Dial(addr, timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		rtt, err := client.TestConnection()
		if err != nil {
			return fmt.Errorf("probe %d: %w", i+1, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: sent test_connection in %v\n", addr, rtt)
	}
	return nil
}
