package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Build the core and report the health of every component",
		Long: `Build the core from the config, probe every component once and tear it
down again. Exits non-zero when the core is degraded.`,
		Example: `  corectl health
  corectl health --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, closeFn, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			h := c.Health(cmd.Context())
			if jsonOutput {
				if err := printJSON(h); err != nil {
					return err
				}
			} else {
				fmt.Printf("Status: %s (%s)\n\n", h.Status, h.Took)
				fmt.Printf("Pools:\n")
				for _, p := range h.Pools {
					fmt.Printf("  %-12s %-10s tx=%-8s open=%d/%d active=%d idle=%d\n",
						p.ID, p.Kind, p.TxMode, p.Open, p.MaxSize, p.Active, p.Idle)
				}
				skipped := make([]string, 0, len(h.Skipped))
				for name := range h.Skipped {
					skipped = append(skipped, name)
				}
				sort.Strings(skipped)
				for _, name := range skipped {
					fmt.Printf("  %-12s skipped: %s\n", name, h.Skipped[name])
				}
				fmt.Printf("\nDispatcher: %s (io %s, cpu %s)\n", h.Dispatch.Status, h.Dispatch.IO.Latency, h.Dispatch.CPU.Latency)
				fmt.Printf("Cache:      %s, %d entries\n", h.Cache.Mode, h.Cache.Entries)
				if h.Journal.Enabled {
					fmt.Printf("Journal:    ok=%v %s\n", h.Journal.OK, h.Journal.Error)
				}
				for _, p := range h.Problems {
					fmt.Printf("\n✗ %s", p)
				}
				if len(h.Problems) > 0 {
					fmt.Println()
				}
			}

			if !h.Healthy() {
				return fmt.Errorf("core is %s", h.Status)
			}
			return nil
		},
	}

	return cmd
}
