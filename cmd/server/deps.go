package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/makeasinger/karaoke/internal/deps"
)

var errMissingTools = errors.New("required tools are missing")

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check that the external media tools are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			statuses := deps.CheckBinaries(deps.Requirements(cfg.Tools))
			fmt.Fprintln(cmd.OutOrStdout(), renderDeps(statuses))
			if missing := deps.Missing(statuses); len(missing) > 0 {
				return fmt.Errorf("%w: %d", errMissingTools, len(missing))
			}
			return nil
		},
	}
}

func renderDeps(statuses []deps.Status) string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		state := "ok"
		detail := s.Path
		switch {
		case !s.Available && s.Optional:
			state = "optional"
			detail = s.Detail + "; install: " + s.Hint
		case !s.Available:
			state = "missing"
			detail = s.Detail + "; install: " + s.Hint
		}
		rows = append(rows, []string{s.Name, s.Command, state, s.Description, detail})
	}
	return renderTable([]string{"Tool", "Command", "Status", "Used for", "Detail"}, rows, nil)
}
