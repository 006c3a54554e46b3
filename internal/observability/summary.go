package observability

import (
	"strings"
	"time"

	"agent-kernel/kernel_go/internal/utils"
)

// Summary aggregates a finished (or live) trace: LLM calls per purpose, token
// totals, tool outcomes, flow counters, and binding totals.
type Summary struct {
	TraceID         string             `json:"trace_id"`
	DurationMs      int64              `json:"duration_ms"`
	Aborted         bool               `json:"aborted"`
	LLMCalls        int                `json:"llm_calls"`
	LLMByPurpose    map[Purpose]int    `json:"llm_by_purpose"`
	PromptTokens    int                `json:"prompt_tokens"`
	ResponseTokens  int                `json:"response_tokens"`
	TotalTokens     int                `json:"total_tokens"`
	ToolCalls       int                `json:"tool_calls"`
	ToolSuccesses   int                `json:"tool_successes"`
	ToolFailures    int                `json:"tool_failures"`
	FlowCounts      map[FlowAction]int `json:"flow_counts"`
	BindingTotal    int                `json:"binding_total"`
	BindingResolved int                `json:"binding_resolved"`
	BindingFallback int                `json:"binding_fallback"`
}

// Summary walks the span tree and aggregates counters.
func (tr *Trace) Summary() Summary {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	s := Summary{
		TraceID:      tr.ID,
		Aborted:      tr.Aborted,
		LLMByPurpose: make(map[Purpose]int),
		FlowCounts:   make(map[FlowAction]int),
	}
	end := tr.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	s.DurationMs = end.Sub(tr.StartTime).Milliseconds()
	summarizeSpan(tr.Root, &s)
	return s
}

func summarizeSpan(sp *Span, s *Summary) {
	if sp == nil {
		return
	}
	for _, ev := range sp.Events {
		switch {
		case ev.LLM != nil:
			s.LLMCalls++
			s.LLMByPurpose[ev.LLM.Purpose]++
			s.PromptTokens += ev.LLM.PromptTokens
			s.ResponseTokens += ev.LLM.ResponseTokens
			s.TotalTokens += ev.LLM.TotalTokens
		case ev.Tool != nil:
			s.ToolCalls++
			if ev.Tool.Success {
				s.ToolSuccesses++
			} else {
				s.ToolFailures++
			}
		case ev.Flow != nil:
			s.FlowCounts[ev.Flow.Action]++
		case ev.Binding != nil:
			switch ev.Binding.Action {
			case BindingPlanCreate:
			case BindingFallback:
				s.BindingTotal++
				s.BindingFallback++
			default:
				// Skipped and errored resolutions ride on the resolve
				// action; only resolved_* statuses count as resolved.
				s.BindingTotal++
				if ev.Binding.Status == "" || strings.HasPrefix(ev.Binding.Status, "resolved") {
					s.BindingResolved++
				}
			}
		}
	}
	for _, c := range sp.Children {
		summarizeSpan(c, s)
	}
}

// Snapshot renders the trace tree as a plain map for event payloads.
// truncate=true cuts prompts and responses to the overview width; the
// untruncated form carries them whole.
func (tr *Trace) Snapshot(truncate bool) map[string]interface{} {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := map[string]interface{}{
		"id":         tr.ID,
		"query":      tr.Query,
		"user_id":    tr.UserID,
		"start_time": tr.StartTime,
		"aborted":    tr.Aborted,
		"root":       snapshotSpan(tr.Root, truncate),
	}
	if !tr.EndTime.IsZero() {
		out["end_time"] = tr.EndTime
	}
	return out
}

func snapshotSpan(sp *Span, truncate bool) map[string]interface{} {
	if sp == nil {
		return nil
	}
	events := make([]map[string]interface{}, 0, len(sp.Events))
	for _, ev := range sp.Events {
		events = append(events, snapshotEvent(ev, truncate))
	}
	children := make([]map[string]interface{}, 0, len(sp.Children))
	for _, c := range sp.Children {
		children = append(children, snapshotSpan(c, truncate))
	}
	out := map[string]interface{}{
		"id":         sp.ID,
		"name":       sp.Name,
		"type":       string(sp.Type),
		"start_time": sp.StartTime,
		"events":     events,
		"children":   children,
	}
	if sp.ParentID != "" {
		out["parent_id"] = sp.ParentID
	}
	if !sp.EndTime.IsZero() {
		out["end_time"] = sp.EndTime
	}
	return out
}

func snapshotEvent(ev TraceEvent, truncate bool) map[string]interface{} {
	out := map[string]interface{}{
		"kind": ev.Kind,
		"time": ev.Time,
	}
	switch {
	case ev.LLM != nil:
		rec := *ev.LLM
		if truncate {
			rec.Prompt = utils.TruncateString(rec.Prompt, utils.DefaultPromptChars)
			rec.Response = utils.TruncateString(rec.Response, utils.DefaultPromptChars)
		}
		out["llm"] = rec
	case ev.Tool != nil:
		out["tool"] = *ev.Tool
	case ev.Flow != nil:
		out["flow"] = *ev.Flow
	case ev.Memory != nil:
		out["memory"] = *ev.Memory
	case ev.Binding != nil:
		out["binding"] = *ev.Binding
	}
	return out
}
