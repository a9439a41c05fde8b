package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dissemhub/mcastup/internal/indexmap"
	"github.com/dissemhub/mcastup/internal/lderr"
)

// newIdxdumpCmd dumps a product-index map file as index/signature rows,
// an operator's view into what a sender has published.
func newIdxdumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "idxdump <path>",
		Short:         "print a product-index map as index/signature rows",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := indexmap.OpenReader(args[0])
			if err != nil {
				return err
			}
			defer m.Close()

			for i := uint32(0); ; i++ {
				sig, err := m.Get(i)
				if err != nil {
					if lderr.Is(err, lderr.NoEntry) {
						return nil
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%10d  %s\n", i, sig)
			}
		},
	}
}
