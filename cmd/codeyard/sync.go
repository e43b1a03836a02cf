package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var cfgPath string
	var workspace string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay a workspace tree into a fresh session and report the records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			shot, err := openOneShot(ctx, cfgPath, workspace)
			if err != nil {
				return err
			}
			defer shot.Close()

			if _, err := shot.ws.CreateSession(ctx); err != nil {
				return err
			}
			state, err := shot.ws.Sync(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range state.Records {
				status := "ok"
				if !rec.Success {
					status = "FAILED"
				}
				line := fmt.Sprintf("%-6s %-6s %s", status, rec.Kind, rec.Path)
				if rec.Message != "" {
					line += "  " + rec.Message
				}
				if _, err := fmt.Fprintln(out, line); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(out, "%d/%d records synced\n", state.Succeeded(), len(state.Records)); err != nil {
				return err
			}
			if !state.IsSynced {
				return &exitError{code: 2, err: fmt.Errorf("workspace %s is not synced", shot.ws.ID())}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}
