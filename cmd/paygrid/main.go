// Command paygrid runs one processing node of the payment cluster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "paygrid",
		Short: "Partitioned payment processing node",
		Long: "paygrid runs one node of the payment cluster: it consumes submitted\n" +
			"transactions from its assigned partitions, settles them against the\n" +
			"ledger under cluster-wide locks, and publishes terminal events.",
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
