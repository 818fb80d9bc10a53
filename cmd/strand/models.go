package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/strandapp/strand/internal/config"
	"github.com/strandapp/strand/internal/llm"
)

// modelLister is implemented by adapters whose provider exposes a model
// listing endpoint.
type modelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List models the provider's endpoint advertises",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		setting, err := a.provider(id)
		if err != nil {
			return err
		}
		model := config.Model{}
		if len(setting.Models) > 0 {
			model = setting.Models[0]
		}
		provider, err := llm.NewProvider(setting, model)
		if err != nil {
			return err
		}
		lister, ok := provider.(modelLister)
		if !ok {
			return fmt.Errorf("provider %q does not support model listing", setting.ID)
		}

		models, err := lister.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			line := m.ID
			if m.OwnedBy != "" {
				line += "  (" + m.OwnedBy + ")"
			}
			if m.Created > 0 {
				line += "  " + time.Unix(m.Created, 0).Format("2006-01-02")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [provider]",
	Short: "Show the provider's remaining balance",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		setting, err := a.provider(id)
		if err != nil {
			return err
		}
		balance, err := llm.CheckBalance(cmd.Context(), setting, http.DefaultClient)
		if err != nil {
			return err
		}
		fmt.Printf("%.4f\n", balance)
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Show MCP server status and available tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, status := range a.mcp.Statuses() {
			line := fmt.Sprintf("%-20s %s", status.Name, status.State)
			if status.State == "running" {
				line += fmt.Sprintf("  (%d tools)", status.ToolCount)
			}
			if status.Err != nil {
				line += "  " + status.Err.Error()
			}
			fmt.Println(line)
		}
		for _, qt := range a.mcp.AllTools() {
			fmt.Printf("  %s: %s\n", qt.QualifiedName(), qt.Spec.Description)
		}
		return nil
	},
}
