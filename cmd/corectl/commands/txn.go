package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/analytics-core/pkg/stores"
	"github.com/openfroyo/analytics-core/pkg/txn"
)

func newTxnCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txn",
		Short: "Transaction probes and journal queries",
	}

	cmd.AddCommand(newTxnProbeCommand())
	cmd.AddCommand(newTxnListCommand())

	return cmd
}

func newTxnProbeCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a transaction across every pool",
		Long: `Begin a transaction that leases one connection from every pool, ping each
connection and commit in pool order. Nothing is written to the backends. The
outcome is recorded in the journal like any other transaction.`,
		Example: `  corectl txn probe --timeout 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, closeFn, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, probeErr := c.ProbeTransaction(cmd.Context(), timeout)
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				fmt.Printf("Transaction %s: %s in %s\n", res.ID, res.State, res.Took)
				fmt.Printf("  pools:     %v\n", res.Pools)
				fmt.Printf("  committed: %v\n", res.Committed)
				if res.Error != "" {
					fmt.Printf("  error:     %s\n", res.Error)
				}
			}
			return probeErr
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "transaction timeout")

	return cmd
}

func newTxnListCommand() *cobra.Command {
	var (
		state      string
		failedOnly bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled transactions",
		Example: `  # Show partial commits
  corectl txn list --failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal is disabled in %s", configPath)
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Journal.Path})
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListTransactions(cmd.Context(), stores.ListOptions{
				State:      txn.State(strings.ToUpper(state)),
				FailedOnly: failedOnly,
				Limit:      limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println("No transactions")
				return nil
			}
			for _, r := range recs {
				fmt.Printf("%s  %-13s %s  pools=%v", r.EndedAt.Format(time.RFC3339), r.State, r.ID, r.Pools)
				if r.FailedPool != "" {
					fmt.Printf(" failed=%s committed=%v", r.FailedPool, r.Committed)
				}
				fmt.Println()
			}

			counts, err := store.CountTransactions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println()
			for _, sc := range counts {
				fmt.Printf("%-13s %d\n", sc.State, sc.Count)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only transactions in this state")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only partial commits")
	cmd.Flags().IntVar(&limit, "limit", stores.DefaultListLimit, "maximum rows")

	return cmd
}
