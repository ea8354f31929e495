package main

import (
	"encoding/json"
	"os"

	"memorial-orders/internal/shutdown"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var flush bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now and print its summary as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := shutdown.WithSignals(cmd.Context())
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := a.engine().RunOnce(ctx, a.clock.Now())
			if err != nil {
				return err
			}

			out := map[string]interface{}{"summary": summary}
			if flush {
				released, failed, err := a.relay().Flush(ctx)
				if err != nil {
					return err
				}
				out["releases"] = map[string]int{"released": released, "failed": failed}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&flush, "flush-releases", false, "also redeliver due release retries")
	return cmd
}
