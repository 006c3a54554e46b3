// Package kernel assembles the runtime behind one facade: plan a query,
// execute the plan on the event stream, synthesize the answer, and close the
// task's memory and trace. One Kernel serves any number of concurrent tasks;
// every task gets its own planner round, memory session, execution context,
// and argument cache.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/metrics"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/binding"
	"agent-kernel/kernel_go/pkg/engine"
	"agent-kernel/kernel_go/pkg/events"
	"agent-kernel/kernel_go/pkg/memory"
	"agent-kernel/kernel_go/pkg/params"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/replan"
	"agent-kernel/kernel_go/pkg/state"
	"agent-kernel/kernel_go/pkg/tools"
)

// Config wires a Kernel. Registry is required for any plan that calls tools;
// a nil Client degrades planning to single-step fallback plans and disables
// bindings, replans, extraction, and answer synthesis.
type Config struct {
	Client   llm.Client
	Registry *tools.Registry
	// Memory enables long-term recall and recovery lookups; nil disables.
	Memory *memory.Store
	Tracer *observability.Tracer
	Retry  engine.RetryConfig
	// MaxIterations caps the step loop per task; 0 keeps the state default.
	MaxIterations int
	// PromoteMemory distills a reflection into long-term memory after clean
	// runs. Requires Memory and Client.
	PromoteMemory bool
	Logger        utils.ExtendedLogger
}

// Kernel is the task runtime. Construct once, run many tasks.
type Kernel struct {
	client    llm.Client
	registry  *tools.Registry
	memory    *memory.Store
	tracer    *observability.Tracer
	retry     engine.RetryConfig
	maxIter   int
	promote   bool
	planner   *planner.Planner
	binder    *binding.Planner
	replanner *replan.Manager
	extractor *memory.Extractor
	logger    utils.ExtendedLogger
}

// New builds a Kernel from the config.
func New(cfg Config) *Kernel {
	logger := utils.OrSilent(cfg.Logger)
	registry := cfg.Registry
	if registry == nil {
		registry = tools.NewRegistry(cfg.Logger)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewTracer(cfg.Logger)
	}
	k := &Kernel{
		client:   cfg.Client,
		registry: registry,
		memory:   cfg.Memory,
		tracer:   tracer,
		retry:    cfg.Retry,
		maxIter:  cfg.MaxIterations,
		promote:  cfg.PromoteMemory,
		planner:  planner.NewPlanner(cfg.Client, registry, cfg.Logger),
		logger:   logger,
	}
	if cfg.Client != nil {
		k.binder = binding.NewPlanner(cfg.Client, registry, cfg.Logger)
		k.replanner = replan.NewManager(cfg.Client, registry, cfg.Logger)
		k.extractor = memory.NewExtractor(cfg.Client, cfg.Logger)
	}
	return k
}

// Registry exposes the tool registry for runtime registration.
func (k *Kernel) Registry() *tools.Registry { return k.registry }

// TaskRequest describes one task to run.
type TaskRequest struct {
	// TaskID is generated when empty.
	TaskID string
	UserID string
	Query  string

	Goals               string
	Constraints         string
	ConversationContext string

	// Inputs seed state.inputs before the first step.
	Inputs map[string]interface{}

	// InitialPlan seeds pinned steps; a fully pinned plan skips planning.
	InitialPlan *planner.ExecutionPlan

	// MaxIterations overrides the kernel default for this task when > 0.
	MaxIterations int
}

// TaskResult is the terminal snapshot of one task.
type TaskResult struct {
	TaskID     string
	Plan       *planner.ExecutionPlan
	Execution  *engine.Result
	Answer     string
	FinalState map[string]interface{}
	// Trace is the truncated trace snapshot also carried by the done event.
	Trace map[string]interface{}
}

// RunTask executes the task on an internal stream and returns the result
// together with the full ordered event log.
func (k *Kernel) RunTask(ctx context.Context, req TaskRequest) (*TaskResult, []events.AgentEvent, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	stream := events.NewStream(req.TaskID, "", 0)

	collected := make(chan []events.AgentEvent, 1)
	go func() { collected <- events.Collect(stream.Events()) }()

	res, err := k.RunTaskStream(ctx, req, stream)
	return res, <-collected, err
}

// RunTaskStream runs the full task lifecycle, emitting events as it goes:
// planning, execution_plan, the engine's stage events, answer when one is
// synthesized, and done as the final event even on abort. The stream is
// closed when RunTaskStream returns; consumers range over Events() until it
// does. The returned error is non-nil only when the context ended first.
func (k *Kernel) RunTaskStream(ctx context.Context, req TaskRequest, stream *events.Stream) (*TaskResult, error) {
	defer stream.Close()

	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("task query is empty")
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	ctx, trace := k.tracer.Start(ctx, req.Query, req.UserID)
	metrics.TasksStarted.Inc()
	k.logger.Infof("🚀 Task %s: %s", req.TaskID, utils.TruncateString(req.Query, 140))

	session := memory.NewSession(req.UserID, req.TaskID, k.memory, k.client, k.logger)
	res := &TaskResult{TaskID: req.TaskID}

	stream.Emit(ctx, &events.PlanningData{Query: req.Query})

	excerpt := ""
	if k.memory != nil && k.client != nil && req.UserID != "" {
		recalled, err := session.Recall(ctx, req.Query)
		if err != nil {
			k.logger.Warnf("⚠️ Memory recall failed, planning without it: %v", err)
		} else {
			excerpt = recalled
		}
	}

	planCtx, planSpan := trace.StartSpan(ctx, "planning", observability.SpanTypePlanning)
	plan, err := k.planner.Plan(planCtx, planner.PlanRequest{
		Query:               req.Query,
		Goals:               req.Goals,
		Constraints:         req.Constraints,
		MemoryExcerpt:       excerpt,
		ConversationContext: req.ConversationContext,
		InitialPlan:         req.InitialPlan,
	})
	planSpan.End()
	if err != nil {
		stream.Emit(context.Background(), &events.ErrorData{Error: err.Error(), Phase: "planning"})
		res.Execution = &engine.Result{Aborted: true}
		k.closeTask(ctx, res, nil, session, trace, stream, err)
		return res, err
	}
	res.Plan = plan
	stream.Emit(ctx, planEvent(plan))

	st := state.New(req.Inputs)
	if n := req.MaxIterations; n > 0 {
		st.SetMaxIterations(n)
	} else if k.maxIter > 0 {
		st.SetMaxIterations(k.maxIter)
	}

	if len(plan.Subtasks) == 0 {
		res.Execution = &engine.Result{}
		res.FinalState = st.Snapshot()
		k.closeTask(ctx, res, nil, session, trace, stream, nil)
		return res, nil
	}

	ec := engine.NewExecutionContext(req.TaskID, req.UserID, req.Query, plan, st)
	ec.WorkingMemory = session.Working
	ec.Consistency = session.Consistency

	eng := engine.New(engine.Config{
		Client:    k.client,
		Registry:  k.registry,
		Params:    params.NewBuilder(k.client, k.logger),
		Binder:    k.binder,
		Replanner: k.replanner,
		Extractor: k.extractor,
		Memory:    k.memory,
		Retry:     k.retry,
		Logger:    k.logger,
	})

	runRes, runErr := eng.ExecutePlanStream(ctx, ec, stream)
	res.Execution = runRes
	res.FinalState = st.Snapshot()
	if runErr != nil {
		stream.Emit(context.Background(), &events.ErrorData{Error: runErr.Error(), Phase: "execution"})
		k.closeTask(ctx, res, ec, session, trace, stream, runErr)
		return res, runErr
	}

	if k.client != nil && !runRes.Aborted && runRes.StepsCompleted > 0 {
		if answer := k.synthesizeAnswer(ctx, req.Query, ec); answer != "" {
			res.Answer = answer
			stream.Emit(ctx, &events.AnswerData{Content: answer})
		}
	}

	k.closeTask(ctx, res, ec, session, trace, stream, nil)
	return res, nil
}

// closeTask is the single exit path: release the task's memory, close the
// trace, emit done, and count the terminal status. The done event is emitted
// on a background context so it lands even after cancellation.
func (k *Kernel) closeTask(ctx context.Context, res *TaskResult, ec *engine.ExecutionContext, session *memory.Session, trace *observability.Trace, stream *events.Stream, runErr error) {
	aborted := runErr != nil || res.Execution.Aborted

	if err := session.EndTask(ctx, k.promote && !aborted); err != nil {
		k.logger.Warnf("⚠️ Task %s memory release failed: %v", res.TaskID, err)
	}
	if aborted {
		trace.EndAborted()
	} else {
		trace.End()
	}
	res.Trace = trace.Snapshot(true)

	success := !aborted && res.Execution.StepsFailed == 0
	done := &events.DoneData{
		Iterations: res.Execution.Iterations,
		Success:    success,
		Aborted:    aborted,
		FinalState: res.FinalState,
		Trace:      res.Trace,
		TraceFull:  trace.Snapshot(false),
	}
	if ec != nil {
		done.ExecutionContext = ec.Snapshot()
	}
	stream.Emit(context.Background(), done)

	status := "completed"
	switch {
	case runErr != nil:
		status = "cancelled"
	case res.Execution.Aborted:
		status = "aborted"
	case res.Execution.StepsFailed > 0:
		status = "failed"
	}
	metrics.TasksCompleted.WithLabelValues(status).Inc()
	k.logger.Infof("🏁 Task %s %s: %d completed, %d failed, %d iterations",
		res.TaskID, status, res.Execution.StepsCompleted, res.Execution.StepsFailed, res.Execution.Iterations)
}

// synthesizeAnswer turns the executed plan into a short final answer. Best
// effort: any failure means no answer event.
func (k *Kernel) synthesizeAnswer(ctx context.Context, query string, ec *engine.ExecutionContext) string {
	var outcomes []string
	for _, rec := range ec.History {
		if rec.Success && rec.SemanticDescription != "" {
			outcomes = append(outcomes, "- "+rec.SemanticDescription)
		}
	}
	if len(outcomes) > 8 {
		outcomes = outcomes[len(outcomes)-8:]
	}

	prompt := fmt.Sprintf(`A plan just finished for this request:

%s

What the steps produced:
%s

Final state (compressed):
%s

Write the final answer to the request, grounded only in the data above.
Plain text, no preamble. If the data cannot answer the request, say what is
missing.`, query, strings.Join(outcomes, "\n"), ec.State.CompressedView())

	response, _, err := k.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeOther,
	})
	if err != nil {
		k.logger.Warnf("⚠️ Answer synthesis failed: %v", err)
		return ""
	}
	return strings.TrimSpace(response)
}

func planEvent(plan *planner.ExecutionPlan) *events.ExecutionPlanData {
	steps := make([]events.PlanStepView, 0, len(plan.Subtasks))
	for _, s := range plan.Subtasks {
		steps = append(steps, events.PlanStepView{
			ID:           s.ID,
			Description:  s.Description,
			Tool:         s.Tool,
			Parameters:   s.Parameters,
			Dependencies: s.Dependencies,
			Expectations: s.Expectations,
			IsPinned:     s.IsPinned,
		})
	}
	data := &events.ExecutionPlanData{
		Intent:          plan.Intent,
		Steps:           steps,
		TotalSteps:      len(steps),
		StateSchema:     plan.StateSchema,
		ExpectedOutcome: plan.ExpectedOutcome,
		Warnings:        plan.Warnings,
		Errors:          plan.Errors,
	}
	if plan.TaskProfile != nil {
		data.TaskProfile = structMap(plan.TaskProfile)
	}
	if plan.ExecutionStrategy != nil {
		data.ExecutionStrategy = structMap(plan.ExecutionStrategy)
	}
	return data
}

// structMap round-trips a struct through JSON into a map for event payloads.
func structMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
