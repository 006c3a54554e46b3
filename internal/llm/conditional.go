package llm

import (
	"context"
	"fmt"

	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
)

// ConditionalResponse is a true/false decision with reasoning.
type ConditionalResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// ConditionalLLM answers natural-language yes/no questions, used for tool
// replan conditions and other tiny predicate checks.
type ConditionalLLM struct {
	client Client
	logger utils.ExtendedLogger
}

func NewConditionalLLM(client Client, logger utils.ExtendedLogger) *ConditionalLLM {
	return &ConditionalLLM{client: client, logger: utils.OrSilent(logger)}
}

func conditionalPrompt(contextBlock, question string) string {
	return `You are a decision assistant. Analyze the context and return a true/false decision with reasoning.

Context: ` + contextBlock + `

Question: ` + question + `

Instructions:
1. Determine the answer to the question from the context.
2. Yes = true, No = false
3. Provide clear reasoning for your decision

Return ONLY valid JSON: {"result": true/false, "reason": "your reasoning here"}`
}

// Decide asks the question against the context. Unparseable responses return
// an error; callers treat that as "no decision" rather than failing the task.
func (cl *ConditionalLLM) Decide(ctx context.Context, contextBlock, question string, purpose observability.Purpose) (*ConditionalResponse, error) {
	cl.logger.Debugf("🤔 conditional decision: %s", question)

	response, _, err := cl.client.Chat(ctx, ChatRequest{
		Messages: []Message{
			SystemMessage("You answer yes/no questions as strict JSON."),
			UserMessage(conditionalPrompt(contextBlock, question)),
		},
		JSONMode:  true,
		MaxTokens: 512,
		Purpose:   purpose,
	})
	if err != nil {
		return nil, fmt.Errorf("conditional decision failed: %w", err)
	}

	decision, err := utils.DecodeJSON[ConditionalResponse](response)
	if err != nil {
		return nil, fmt.Errorf("conditional decision unparseable: %w", err)
	}
	cl.logger.Debugf("🤔 conditional decision: %t (%s)", decision.Result, utils.TruncateString(decision.Reason, 120))
	return &decision, nil
}
