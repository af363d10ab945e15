package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/analytics-core/pkg/dispatch"
	"github.com/openfroyo/analytics-core/pkg/monitor"
	"github.com/openfroyo/analytics-core/pkg/stores"
)

func newBaselineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Performance baselines",
	}

	cmd.AddCommand(newBaselineRunCommand())
	cmd.AddCommand(newBaselineListCommand())

	return cmd
}

func newBaselineRunCommand() *cobra.Command {
	var (
		task    string
		samples int
		work    time.Duration
		cpu     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Profile a synthetic workload and validate it",
		Long: `Dispatch a synthetic task repeatedly, establish a baseline from the
recorded samples and validate it against the requirements configured for the
component. The component is "dispatch.<task>".`,
		Example: `  corectl baseline run --task synthetic --samples 50 --work 20ms
  corectl baseline run --task pagerank --cpu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, c, closeFn, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			class := dispatch.ClassIO
			if cpu {
				class = dispatch.ClassCPU
			}
			tasks := make([]dispatch.Task, samples)
			for i := range tasks {
				tasks[i] = dispatch.Task{Name: task, Class: class, Fn: syntheticWork(work, cpu)}
			}
			failed := 0
			for _, r := range c.Dispatcher.SubmitBatch(ctx, tasks) {
				if !r.OK() {
					failed++
				}
			}

			component := "dispatch." + task
			v, err := c.ValidatePerformance(ctx, component)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(v)
			}
			fmt.Printf("Component %s: %d samples, %d failed\n", component, samples, failed)
			printBaseline(v.Baseline)
			fmt.Printf("\nCurrent: avg=%s p95=%s success=%.2f\n", v.Current.AvgDuration, v.Current.P95Duration, v.SuccessRate)
			fmt.Printf("Verdict: %s\n", v.Verdict)
			for _, msg := range v.Violations {
				fmt.Printf("  ✗ %s\n", msg)
			}
			if v.Verdict == monitor.VerdictFail {
				return fmt.Errorf("%s failed validation", component)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "synthetic", "task name")
	cmd.Flags().IntVar(&samples, "samples", monitor.DefaultWindow, "number of tasks to dispatch")
	cmd.Flags().DurationVar(&work, "work", 10*time.Millisecond, "duration of each task")
	cmd.Flags().BoolVar(&cpu, "cpu", false, "busy-loop on the CPU pool instead of sleeping on the IO pool")

	return cmd
}

// syntheticWork sleeps for d, or spins for d when cpu is set.
func syntheticWork(d time.Duration, cpu bool) dispatch.TaskFunc {
	return func(ctx context.Context) (any, error) {
		if !cpu {
			select {
			case <-time.After(d):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		deadline := time.Now().Add(d)
		n := 0
		for time.Now().Before(deadline) {
			n++
		}
		return n, nil
	}
}

func printBaseline(b monitor.Baseline) {
	fmt.Printf("Baseline %s (established %s)\n", b.Component, b.EstablishedAt.Format(time.RFC3339))
	fmt.Printf("  samples=%d success=%.2f\n", b.SampleCount, b.SuccessRate)
	fmt.Printf("  avg=%s p50=%s p95=%s p99=%s max=%s\n",
		b.AvgDuration, b.P50Duration, b.P95Duration, b.P99Duration, b.MaxDuration)
	if b.MaxMemory > 0 {
		fmt.Printf("  avg_mem=%dB max_mem=%dB\n", b.AvgMemory, b.MaxMemory)
	}
}

func newBaselineListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List baselines stored in the journal",
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

			baselines, err := store.ListBaselines(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(baselines)
			}
			if len(baselines) == 0 {
				fmt.Println("No baselines")
				return nil
			}
			for _, b := range baselines {
				printBaseline(b)
			}
			return nil
		},
	}

	return cmd
}
