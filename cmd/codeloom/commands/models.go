package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/codeloom-ai/codeloom/internal/app"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models from configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, err := workDirOrCwd("")
		if err != nil {
			return err
		}
		a, err := app.New(app.Options{WorkDir: workDir, AutoApprove: true})
		if err != nil {
			return err
		}
		defer a.Close()

		providers := a.Providers.List()
		if len(providers) == 0 {
			fmt.Println("no providers configured; set ANTHROPIC_API_KEY or add one to codeloom.json")
			return nil
		}
		sort.Slice(providers, func(i, j int) bool { return providers[i].ID() < providers[j].ID() })

		for _, p := range providers {
			for _, m := range p.Models() {
				fmt.Printf("%s/%s  ctx=%d out=%d  %s\n", m.ProviderID, m.ID, m.ContextLimit, m.OutputLimit, m.Name)
			}
		}
		return nil
	},
}
