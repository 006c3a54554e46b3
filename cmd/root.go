package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agent-kernel/kernel_go/cmd/server"
	"agent-kernel/kernel_go/pkg/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agent-kernel",
	Short: "Execution kernel for autonomous agent tasks",
	Long: `An execution kernel that turns a natural-language task into a plan of
tool calls and runs it to completion.

This tool provides:
- LLM task planning with data-flow bindings between steps
- Retries, consistency checking, and mid-flight replanning
- A typed event stream and trace for every task
- MCP server integration for external tools`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.Default()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml in . or $HOME)")
	rootCmd.PersistentFlags().String("provider", defaults.Provider, "LLM provider (bedrock, openai, anthropic, openrouter)")
	rootCmd.PersistentFlags().String("model", "", "model ID (provider default when empty)")
	rootCmd.PersistentFlags().Float64("temperature", defaults.Temperature, "LLM temperature")
	rootCmd.PersistentFlags().Int("max-iterations", defaults.MaxIterations, "execution loop iteration cap per task")

	// Logging flags
	rootCmd.PersistentFlags().String("log-file", "", "log file path (dated file under logs/ when empty)")
	rootCmd.PersistentFlags().String("log-level", defaults.Log.Level, "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", defaults.Log.Format, "log format (text, json)")

	// Bind flags to viper
	viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
	viper.BindPFlag("model_id", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("temperature", rootCmd.PersistentFlags().Lookup("temperature"))
	viper.BindPFlag("max_iterations", rootCmd.PersistentFlags().Lookup("max-iterations"))
	viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add command groups
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(server.ServerCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// Load .env file first (if present)
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
		}
	}

	if err := config.ReadFile(viper.GetViper(), cfgFile); err != nil {
		cobra.CheckErr(err)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", used)
	}
}
