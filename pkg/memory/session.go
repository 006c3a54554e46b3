package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
)

// Session owns the memory of one task: the working blackboard, the
// consistency checker, and the link to the user's long-term store.
type Session struct {
	UserID      string
	TaskID      string
	Working     *WorkingMemory
	Consistency *ConsistencyChecker

	store  *Store
	client llm.Client
	logger utils.ExtendedLogger
	ended  bool
}

// NewSession builds the per-task memory bundle. The store may be nil when
// long-term persistence is disabled.
func NewSession(userID, taskID string, store *Store, client llm.Client, logger utils.ExtendedLogger) *Session {
	logger = utils.OrSilent(logger)
	return &Session{
		UserID:      userID,
		TaskID:      taskID,
		Working:     NewWorkingMemory(),
		Consistency: NewConsistencyChecker(client, logger),
		store:       store,
		client:      client,
		logger:      logger,
	}
}

// Store exposes the long-term store for recovery lookups; nil when disabled.
func (s *Session) Store() *Store { return s.store }

// EndTask releases the task's working memory. With promote true and a
// non-empty blackboard, it first distills a reflection into long-term
// memory. Idempotent; aborted tasks call it with promote false.
func (s *Session) EndTask(ctx context.Context, promoteToLongTerm bool) error {
	if s.ended {
		return nil
	}
	s.ended = true

	var promoteErr error
	if promoteToLongTerm && s.store != nil && !s.Working.IsEmpty() {
		promoteErr = s.promote(ctx)
	}

	s.Working = NewWorkingMemory()
	s.Consistency = NewConsistencyChecker(s.client, s.logger)
	s.logger.Debugf("🧹 Task %s memory released (promoted=%v)", s.TaskID, promoteToLongTerm && promoteErr == nil)
	return promoteErr
}

// Ended reports whether EndTask already ran.
func (s *Session) Ended() bool { return s.ended }

func (s *Session) promote(ctx context.Context) error {
	block := s.Working.ContextBlock()
	prompt := fmt.Sprintf(`A task just finished. Its working memory:

%s

Write a short reflection worth keeping for future tasks: what was decided,
what constraints emerged, what should be done differently. Return JSON:
{"title": "...", "summary": "...", "tags": ["..."]}

Return ONLY the JSON object.`, block)

	response, _, err := s.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeMemorySummary,
		JSONMode: true,
	})
	if err != nil {
		return fmt.Errorf("failed to summarize working memory: %w", err)
	}

	summary, err := utils.DecodeJSON[struct {
		Title   string   `json:"title"`
		Summary string   `json:"summary"`
		Tags    []string `json:"tags"`
	}](response)
	if err != nil {
		s.logger.Warnf("⚠️ Reflection summary unparseable, storing raw block")
		_, saveErr := s.store.SaveReflection(s.UserID, fmt.Sprintf("Task %s", s.TaskID), block, nil)
		return saveErr
	}
	title := summary.Title
	if title == "" {
		title = fmt.Sprintf("Task %s (%s)", s.TaskID, time.Now().UTC().Format("2006-01-02"))
	}
	_, err = s.store.SaveReflection(s.UserID, title, summary.Summary, summary.Tags)
	return err
}

// Recall asks the LLM which stored memories matter for a query and returns
// a digest for prompt injection. Empty when the user has no memory or the
// store is disabled.
func (s *Session) Recall(ctx context.Context, query string) (string, error) {
	if s.store == nil {
		return "", nil
	}
	excerpt := s.store.Excerpt(s.UserID, 10)
	if excerpt == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(`Stored memory for this user:

%s

Task about to start: %s

Quote only the memory lines relevant to this task, rephrased as short hints.
Answer with plain text, no preamble. Answer "none" if nothing applies.`, excerpt, query)

	response, _, err := s.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeMemoryQuery,
	})
	if err != nil {
		return "", err
	}
	response = strings.TrimSpace(response)
	if strings.EqualFold(response, "none") {
		return "", nil
	}
	return response, nil
}
