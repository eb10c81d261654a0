package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weft-project/weft/names"
)

// NameCmd generates random identity display names
var NameCmd = &cobra.Command{
	Use:   "name",
	Short: "Generate a random identity display name",
	Long: `Generate a random display name for a new identity.

Names have the form "First.Last" and always pass nickname validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		if count < 1 {
			count = 1
		}
		for range count {
			fmt.Println(names.Generate())
		}
		return nil
	},
}

func init() {
	NameCmd.Flags().IntP("count", "n", 1, "Number of names to generate")
}
