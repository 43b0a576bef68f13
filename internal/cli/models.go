package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type ModelsCmd struct{}

func NewModelsCmd() *ModelsCmd {
	return &ModelsCmd{}
}

func (c *ModelsCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models views are built for",
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := loadModels(cmd)
			if err != nil {
				return fmt.Errorf("failed to load models: %w", err)
			}
			renderModels(os.Stdout, models.Models())
			return nil
		},
	}
}
