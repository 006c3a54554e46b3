package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/pkg/config"
	"agent-kernel/kernel_go/pkg/events"
	"agent-kernel/kernel_go/pkg/kernel"
	"agent-kernel/kernel_go/pkg/logger"
	"agent-kernel/kernel_go/pkg/mcpclient"
	"agent-kernel/kernel_go/pkg/memory"
	"agent-kernel/kernel_go/pkg/tools"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one task to completion and print the answer",
	Long: `Plans the query into tool-call steps, executes them with retries and
replanning, and prints the synthesized answer. With --stream every event is
printed to stdout as a JSON line instead; logs go to the log file either way.`,
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringP("query", "q", "", "task to execute (required)")
	runCmd.Flags().String("user", "", "user ID for memory recall and attribution")
	runCmd.Flags().String("goals", "", "goals handed to the planner")
	runCmd.Flags().String("constraints", "", "constraints handed to the planner")
	runCmd.Flags().String("inputs", "", "JSON object seeding the initial task state")
	runCmd.Flags().String("mcp-config", "", "path to an mcpServers JSON file")
	runCmd.Flags().Bool("stream", false, "print every event as a JSON line on stdout")
	runCmd.Flags().Duration("timeout", 0, "overall task deadline (0 disables)")
	_ = runCmd.MarkFlagRequired("query")
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	log, err := logger.CreateLogger(cfg.Log.File, cfg.Log.Level, cfg.Log.Format, false)
	if err != nil {
		return err
	}
	defer log.Close()

	query, _ := cmd.Flags().GetString("query")
	userID, _ := cmd.Flags().GetString("user")
	goals, _ := cmd.Flags().GetString("goals")
	constraints, _ := cmd.Flags().GetString("constraints")
	inputsJSON, _ := cmd.Flags().GetString("inputs")
	mcpConfig, _ := cmd.Flags().GetString("mcp-config")
	streamEvents, _ := cmd.Flags().GetBool("stream")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var inputs map[string]interface{}
	if inputsJSON != "" {
		if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
			return fmt.Errorf("--inputs is not a JSON object: %w", err)
		}
	}

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	llmCfg, err := cfg.LLMConfig(log)
	if err != nil {
		return err
	}
	client, err := llm.InitializeLLM(llmCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM: %w", err)
	}

	registry := tools.NewRegistry(log)
	if mcpConfig != "" {
		servers, names, err := mcpclient.LoadServers(mcpConfig)
		if err != nil {
			return err
		}
		clients, err := mcpclient.ConnectAll(ctx, registry, servers, names, log)
		if err != nil {
			return err
		}
		defer func() { _ = mcpclient.CloseAll(clients) }()
	}

	mem, err := memory.NewStore(cfg.Storage.Root, log)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}

	kern := kernel.New(kernel.Config{
		Client:        client,
		Registry:      registry,
		Memory:        mem,
		Retry:         cfg.RetryConfig(),
		MaxIterations: cfg.MaxIterations,
		PromoteMemory: cfg.PromoteMemory,
		Logger:        log,
	})

	req := kernel.TaskRequest{
		TaskID:      uuid.NewString(),
		UserID:      userID,
		Query:       query,
		Goals:       goals,
		Constraints: constraints,
		Inputs:      inputs,
	}

	// The kernel closes the stream when the task ends; drain it even when
	// not printing so emits never block.
	stream := events.NewStream(req.TaskID, "", 0)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		enc := json.NewEncoder(os.Stdout)
		for ev := range stream.Events() {
			if streamEvents {
				_ = enc.Encode(ev)
			}
		}
	}()

	res, err := kern.RunTaskStream(ctx, req, stream)
	<-printed
	if err != nil {
		return err
	}

	if !streamEvents {
		fmt.Println(res.Answer)
	}
	if res.Execution != nil && res.Execution.Aborted {
		return fmt.Errorf("task %s aborted after %d iterations", res.TaskID, res.Execution.Iterations)
	}
	return nil
}
