package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/scaffold"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new burrow project",
		Long: `Initialize a new burrow project with default configuration and an example tool.

Creates:
  • burrow.yml - Project configuration file
  • agents/example-tool.sh - Example tool demonstrating the agent contract
  • .burrow/board/ and .burrow/mailbox/ - State directories

Use --force to rewrite burrow.yml and the example tool. Existing board and
mailbox state is never removed.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			res, err := scaffold.Initialize(dir, force)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}

			scaffold.PrintSuccess(a.out.Out(), res)
			return nil
		},
	}

	// Note: no -f shorthand, it reads like --file next to --config
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite burrow.yml and example files (keeps board and mailbox state)")
	return cmd
}
