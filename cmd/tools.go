package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agent-kernel/kernel_go/pkg/config"
	"agent-kernel/kernel_go/pkg/logger"
	"agent-kernel/kernel_go/pkg/mcpclient"
	"agent-kernel/kernel_go/pkg/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools discovered from configured MCP servers",
	Long: `Connects to every server in the mcpServers file, registers their tools,
and prints the catalog the planner would see. With --json the LLM function
schemas are printed instead, one definition per tool.`,
	RunE: listTools,
}

func init() {
	toolsCmd.Flags().String("mcp-config", "", "path to an mcpServers JSON file (required)")
	toolsCmd.Flags().Bool("json", false, "print LLM function schemas as JSON")
	_ = toolsCmd.MarkFlagRequired("mcp-config")
}

func listTools(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	log, err := logger.CreateLogger(cfg.Log.File, cfg.Log.Level, cfg.Log.Format, false)
	if err != nil {
		return err
	}
	defer log.Close()

	mcpConfig, _ := cmd.Flags().GetString("mcp-config")
	asJSON, _ := cmd.Flags().GetBool("json")

	servers, names, err := mcpclient.LoadServers(mcpConfig)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(log)
	clients, err := mcpclient.ConnectAll(cmd.Context(), registry, servers, names, log)
	if err != nil {
		return err
	}
	defer func() { _ = mcpclient.CloseAll(clients) }()

	if asJSON {
		out, err := json.MarshalIndent(registry.FunctionSchemas(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(registry.DetailedCatalog())
	return nil
}
