package replan

import (
	"fmt"
	"strings"

	"agent-kernel/kernel_go/pkg/planner"
)

// PatternType names a detected execution pathology or replan trigger.
type PatternType string

const (
	PatternRepeatedFailure PatternType = "repeated_failure"
	PatternCircular        PatternType = "circular_dependency"
	PatternToolForced      PatternType = "tool_forced"
	PatternPeriodic        PatternType = "periodic"
	PatternProactive       PatternType = "proactive"
	PatternOnFailure       PatternType = "on_failure"
	PatternRecentFailures  PatternType = "recent_failures"
)

// Pattern is one detection hit. Description is user-facing: it becomes the
// trigger reason on the stream.
type Pattern struct {
	Type        PatternType `json:"type"`
	Description string      `json:"description"`
}

func hasPattern(patterns []Pattern, t PatternType) bool {
	for _, p := range patterns {
		if p.Type == t {
			return true
		}
	}
	return false
}

func describePatterns(patterns []Pattern) string {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		parts = append(parts, p.Description)
	}
	return strings.Join(parts, "; ")
}

// failureWindow is how many trailing records the repeated-failure rule sees.
const failureWindow = 5

// detectRepeatedFailure fires when at least 3 of the last 5 records failed.
func detectRepeatedFailure(history []planner.StepRecord) (Pattern, bool) {
	window := history
	if len(window) > failureWindow {
		window = window[len(window)-failureWindow:]
	}
	failed, run, maxRun := 0, 0, 0
	for _, rec := range window {
		if rec.Success {
			run = 0
			continue
		}
		failed++
		run++
		if run > maxRun {
			maxRun = run
		}
	}
	if failed < 3 {
		return Pattern{}, false
	}
	desc := fmt.Sprintf("最近 %d 步中 %d 次失败", len(window), failed)
	if maxRun >= 3 {
		desc = fmt.Sprintf("连续 %d 次失败", maxRun)
	}
	return Pattern{Type: PatternRepeatedFailure, Description: desc}, true
}

// detectCircular fires when any single step id ran more than 3 times.
func detectCircular(history []planner.StepRecord) (Pattern, bool) {
	counts := map[string]int{}
	for _, rec := range history {
		counts[rec.StepID]++
		if counts[rec.StepID] > 3 {
			return Pattern{
				Type:        PatternCircular,
				Description: fmt.Sprintf("step %s executed %d times, execution is circling", rec.StepID, counts[rec.StepID]),
			}, true
		}
	}
	return Pattern{}, false
}

// trailingFailures reports two or more failures among the last three records.
func trailingFailures(history []planner.StepRecord) bool {
	window := history
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	failed := 0
	for _, rec := range window {
		if !rec.Success {
			failed++
		}
	}
	return failed >= 2
}

// completedPrefix counts the leading plan steps whose latest record
// succeeded. The prefix is what an incremental replan freezes.
func completedPrefix(plan *planner.ExecutionPlan, history []planner.StepRecord) int {
	latest := map[string]bool{}
	for _, rec := range history {
		latest[rec.StepID] = rec.Success
	}
	n := 0
	for _, step := range plan.Subtasks {
		ok, seen := latest[step.ID]
		if !seen || !ok {
			break
		}
		n++
	}
	return n
}

// failedTwice lists step ids with two or more failure records, which a new
// suffix must not recreate.
func failedTwice(history []planner.StepRecord) []string {
	counts := map[string]int{}
	var order []string
	for _, rec := range history {
		if rec.Success {
			continue
		}
		counts[rec.StepID]++
		if counts[rec.StepID] == 2 {
			order = append(order, rec.StepID)
		}
	}
	return order
}
