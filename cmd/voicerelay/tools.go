package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/app"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/tools"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to the upstream model",
	Long: `List the tools the configured gateway (TOOL_GATEWAY_MODE) exposes.

Examples:
  TOOL_GATEWAY_MODE=catalog TOOL_CATALOG_PATH=tools.yaml voicerelay tools
  voicerelay tools --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		gw, err := app.NewToolGateway(cfg)
		if err != nil {
			return err
		}
		if gw == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "no tool gateway configured (TOOL_GATEWAY_MODE=none)")
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		defs, err := gw.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		return printTools(cmd.OutOrStdout(), tools.NewSet(defs).Definitions(), toolsJSON)
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print definitions as JSON including parameter schemas")
	rootCmd.AddCommand(toolsCmd)
}

type toolView struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

func printTools(out io.Writer, defs []tools.Definition, asJSON bool) error {
	if asJSON {
		views := make([]toolView, 0, len(defs))
		for _, d := range defs {
			views = append(views, toolView{Name: d.Name, Description: d.Description, Parameters: d.ParametersJSON()})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
	}
	return tw.Flush()
}
