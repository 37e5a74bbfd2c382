package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/harbormaster/pkg/engine"
	"github.com/openfroyo/harbormaster/pkg/workflows"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// closeGrace bounds how long a one-shot command waits for queued handlers.
const closeGrace = 10 * time.Second

// withRuntime builds the engine, runs fn and closes the engine.
func withRuntime(cmd *cobra.Command, version string, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, version)
	if err != nil {
		return err
	}

	runErr := fn(ctx, rt)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := rt.close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("engine did not shut down cleanly")
	}
	return runErr
}

// submit starts a task and, when wait is set, blocks until it is terminal.
// Without wait the persisted task is resumed by the next serve.
func submit(ctx context.Context, cmd *cobra.Command, rt *runtime, req engine.SubmitRequest, wait bool) error {
	link, err := rt.host.Submit(ctx, req)
	if err != nil {
		return err
	}
	if !wait {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"taskLink": link})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", link)
		return nil
	}

	rec, err := rt.host.Await(ctx, link)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", link, err)
	}
	if err := printRecord(cmd.OutOrStdout(), rec); err != nil {
		return err
	}
	if rec.Stage == engine.StageFailed {
		return fmt.Errorf("task %s failed", link)
	}
	return nil
}

func newScaleCommand(version string) *cobra.Command {
	var (
		description string
		count       int
		contextID   string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "scale",
		Short: "Scale a container group",
		Long: `Scale the group of one description and context to a count.

Missing instances are provisioned. Surplus instances are removed, least
important first: error, retired and unknown instances go before running ones.`,
		Example: `  # Scale the web group to five instances and wait
  harbormaster scale --description /resources/container-descriptions/web --count 5 --context ctx-1 --wait

  # Scale down to zero
  harbormaster scale -d /resources/container-descriptions/web -n 0 --context ctx-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, version, func(ctx context.Context, rt *runtime) error {
				return submit(ctx, cmd, rt, engine.SubmitRequest{
					Kind: engine.KindClustering,
					Payload: workflows.ClusteringRequest{
						DescriptionLink: description,
						ResourceCount:   count,
						ContextID:       contextID,
					},
					ContextID: contextID,
				}, wait)
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "container description link")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "desired instance count")
	cmd.Flags().StringVar(&contextID, "context", "", "context id of the group")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the task to finish")
	cmd.MarkFlagRequired("description")

	return cmd
}

func newRemoveCommand(version string) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "remove LINK...",
		Short: "Remove container instances",
		Long: `Remove container instances through the adapter and delete their documents.

Links that no longer exist are ignored. System containers are never removed.`,
		Example: `  harbormaster remove /resources/containers/web-1 /resources/containers/web-2 --wait`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, version, func(ctx context.Context, rt *runtime) error {
				return submit(ctx, cmd, rt, engine.SubmitRequest{
					Kind:    engine.KindRemoval,
					Payload: workflows.RemovalRequest{ResourceLinks: args},
				}, wait)
			})
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the task to finish")

	return cmd
}

func newStatusCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status LINK",
		Short: "Show a task or request status",
		Example: `  harbormaster status /tasks/clustering/8c1e...
  harbormaster status /request-status/8c1e... --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, version, func(ctx context.Context, rt *runtime) error {
				link := args[0]
				if engine.HasFactory(link, engine.FactoryRequestStatus) {
					st, err := rt.host.RequestStatus(ctx, link)
					if err != nil {
						return err
					}
					return printRequestStatus(cmd.OutOrStdout(), st)
				}
				rec, err := rt.host.Get(ctx, link)
				if err != nil {
					return err
				}
				if err := printRecord(cmd.OutOrStdout(), rec); err != nil {
					return err
				}
				if rec.RequestTrackerLink == "" || jsonOutput {
					return nil
				}
				st, err := rt.host.RequestStatus(ctx, rec.RequestTrackerLink)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return printRequestStatus(cmd.OutOrStdout(), st)
			})
		},
	}

	return cmd
}
