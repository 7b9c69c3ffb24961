package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

func newStatusCommand(configFlag *string) *cobra.Command {
	var scopeFlag string

	cmd := &cobra.Command{
		Use:   "status [task-id...]",
		Short: "Show job status, or the completed items of a scope when no id is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newCommandEnv(ctx, *configFlag, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.close(ctx)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 0 {
				scope := scopeFlag
				if scope == "" {
					scope = env.cfg.ScopeID
				}
				items, err := env.client.FetchCompletedItems(ctx, scope)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "ITEM\tTASK\tURL")
				for _, it := range items {
					fmt.Fprintf(w, "%s\t%s\t%s\n", it.ItemID, it.JobID, it.Result.URL)
				}
				return nil
			}

			fmt.Fprintln(w, "TASK\tSTATUS\tPROGRESS\tMESSAGE")
			for _, id := range args {
				rec, err := env.client.FetchStatus(ctx, tasks.JobID(id))
				if err != nil {
					return fmt.Errorf("task %s: %w", id, err)
				}
				if rec == nil {
					fmt.Fprintf(w, "%s\t%s\t-\t\n", id, tasks.StatusNotFound)
					continue
				}
				msg := rec.Message
				if rec.Error != nil {
					msg = rec.Error.Message
				}
				fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", id, rec.Status, rec.Progress, msg)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeFlag, "scope", "", "Scope whose completed items are listed (defaults to scope_id)")
	return cmd
}
