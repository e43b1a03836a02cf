package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/schema"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var workspace string
	var file string
	var source string
	var command string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync a workspace into a fresh session and run one file",
		Long: "run creates a session, replays the workspace tree into it, runs the file and\n" +
			"prints its output. The process exits with the remote exit code.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, ok := schema.CleanNodePath(file)
			if !ok {
				return fmt.Errorf("invalid --file %q", file)
			}
			var text string
			if source != "" {
				data, err := os.ReadFile(source)
				if err != nil {
					return err
				}
				text = string(data)
			}

			shot, err := openOneShot(ctx, cfgPath, workspace)
			if err != nil {
				return err
			}
			defer shot.Close()
			ws := shot.ws

			var node schema.WorkspaceNode
			if source != "" {
				node, err = upsertFile(ctx, ws, p, text)
				if err != nil {
					return err
				}
				shot.logger.Info("file uploaded", "path", p, "source", source)
			} else {
				nodes, err := ws.Tree(ctx)
				if err != nil {
					return err
				}
				found := findNode(nodes, p)
				if found == nil {
					return fmt.Errorf("%w: %s", schema.ErrNodeNotFound, p)
				}
				node = *found
			}
			if node.Kind != schema.NodeFile {
				return fmt.Errorf("%s is not a file", p)
			}

			if _, err := ws.CreateSession(ctx); err != nil {
				return err
			}
			state, err := ws.Sync(ctx)
			if err != nil {
				return err
			}
			if !state.IsSynced {
				return fmt.Errorf("sync incomplete: %d of %d records succeeded", state.Succeeded(), len(state.Records))
			}
			if _, err := ws.OpenFile(ctx, node.ID); err != nil {
				return err
			}
			result, err := ws.Run(ctx, schema.RunRequest{Command: command})
			if _, werr := fmt.Fprint(cmd.OutOrStdout(), result.CapturedOutput); werr != nil {
				return werr
			}
			if result.OutputTruncated {
				shot.logger.Warn("run output truncated to the session output limit", "path", result.FilePath)
			}
			shot.logger.Info("run finished", "path", result.FilePath, "command", result.Command, "ran_ok", result.RanOk, "duration", result.Duration)
			return runExit(result, err)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVarP(&file, "file", "f", "", "workspace path of the file to run")
	cmd.Flags().StringVar(&source, "source", "", "local file uploaded to --file before running")
	cmd.Flags().StringVar(&command, "command", "", "override the run command template")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runExit maps a run outcome to the command error. A remote failure keeps
// the remote exit code.
func runExit(result schema.ExecutionResult, err error) error {
	if err == nil {
		return nil
	}
	if core.KindOf(err) == core.ErrorRemote && result.ExitCode != nil {
		return &exitError{code: *result.ExitCode, err: err}
	}
	if errors.Is(err, schema.ErrExecutionTimeout) {
		return &exitError{code: 124, err: err}
	}
	return err
}
