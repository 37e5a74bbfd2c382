package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/config"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/spf13/cobra"
)

func newDescriptorsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "descriptors",
		Aliases: []string{"desc"},
		Short:   "Manage container descriptions",
		Long: `Manage the container descriptions the control loop reconciles against.

Descriptions are written as a CUE catalog:

  descriptors: web: {
      image: "nginx:1.27"
      env: ["MODE=prod"]
      clusterSize: 3
      healthConfig: autoRedeploy: true
  }`,
	}

	cmd.AddCommand(newDescriptorsValidateCommand())
	cmd.AddCommand(newDescriptorsLoadCommand(version))
	cmd.AddCommand(newDescriptorsListCommand(version))

	return cmd
}

func newDescriptorsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATH...",
		Short: "Validate a descriptor catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := config.NewCatalogLoader().Load(cmd.Context(), args...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, cat); err != nil {
					return err
				}
				return cat.Err()
			}
			for _, e := range cat.Errors {
				fmt.Fprintf(out, "%s\n", e.Error())
			}
			if err := cat.Err(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d description(s) in %d file(s) are valid\n", len(cat.Descriptions), len(cat.SourceFiles))
			return nil
		},
	}
}

func newDescriptorsLoadCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "load PATH...",
		Short: "Apply a descriptor catalog to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, version, func(ctx context.Context, rt *runtime) error {
				n, err := applyCatalog(ctx, rt, config.NewCatalogLoader(), args...)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]int{"applied": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d description(s)\n", n)
				return nil
			})
		},
	}
}

func newDescriptorsListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored container descriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, version, func(ctx context.Context, rt *runtime) error {
				descs, err := reconcile.NewInventory(rt.store).Descriptors(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, descs)
				}
				for _, d := range descs {
					fmt.Fprintf(out, "%s\t%s\tsize=%d\tautoRedeploy=%t\n", d.Link, d.Image, d.DesiredCount(), d.AutoRedeploy())
				}
				return nil
			})
		},
	}
}
