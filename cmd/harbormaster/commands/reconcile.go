package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/config"
	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/spf13/cobra"
)

func newReconcileCommand(version string) *cobra.Command {
	var (
		dryRun bool
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long: `Compare every container group with its description and redeploy drifted
groups whose description enables auto redeploy.

Redeployments denied by a policy are listed with their reasons.`,
		Example: `  # Show drift without acting on it
  harbormaster reconcile --dry-run

  # Redeploy and wait for the redeployments
  harbormaster reconcile --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, version, func(ctx context.Context, rt *runtime) error {
				if path := rt.cfg.Reconcile.Descriptors; path != "" {
					if _, err := applyCatalog(ctx, rt, config.NewCatalogLoader(), path); err != nil {
						return err
					}
				}

				report, err := rt.loop.RunOnce(ctx, dryRun)
				if err != nil {
					return err
				}
				if err := printReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !wait || dryRun {
					return nil
				}

				failed := 0
				for _, g := range report.Groups {
					if g.TaskLink == "" {
						continue
					}
					rec, err := rt.host.Await(ctx, g.TaskLink)
					if err != nil {
						return err
					}
					if rec.Stage == engine.StageFailed {
						failed++
					}
					if !jsonOutput {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.Link, rec.Stage)
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d redeployment(s) failed", failed)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without redeploying")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for started redeployments")

	return cmd
}
