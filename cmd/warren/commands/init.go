package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scaffold"
)

func newInitCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter warren.yml and an example worker",
		// init runs before any warren.yml exists.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := scaffold.Initialize(dir, force)
			if err != nil {
				return printer.Error("init failed", err.Error(),
					[]string{"Use 'warren init --force' to overwrite the existing files"})
			}

			printer.Success("Initialized warren project\n")
			printer.Info("\nCreated:\n")
			for _, f := range created {
				printer.Info("  %s\n", f)
			}
			printer.Info("\nNext steps:\n")
			printer.Info("  1. Add '.warren/' to your .gitignore file\n")
			printer.Info("  2. Point a worker at your own command in warren.yml\n")
			printer.Info("  3. Run 'warren run \"<task>\"'\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Project directory")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing warren.yml and workers/")
	return cmd
}
