package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func sweepCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired documents once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			res, err := a.sweeper.Once(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed files=%d calls=%d contexts=%d history=%d\n",
				res.Files, res.Calls, res.Contexts, res.History)
			return nil
		},
	}
}

func archiveCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Fold a finished run into history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			sid := args[0]
			// a run whose agent died may still need its terminal write
			if _, err := a.pipelines.CheckCompletion(ctx, sid); err != nil {
				return err
			}
			if err := a.history.Archive(ctx, sid); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", sid)
			return nil
		},
	}
}

func cancelCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Mark a run cancelled and archive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			rec, err := a.runner.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.SessionID, rec.Status)
			return nil
		},
	}
}
