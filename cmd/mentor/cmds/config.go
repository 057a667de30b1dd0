package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/mentor/pkg/config"
)

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration (file, MENTOR_* environment and flags)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			return s.WriteYAML(cmd.OutOrStdout())
		},
	}
}
