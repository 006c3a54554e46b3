package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"agent-kernel/kernel_go/internal/utils"
)

// ReflectionEntry indexes one reflection markdown file.
type ReflectionEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	File      string    `json:"file"`
}

// RecoveryRecord remembers how a tool error was fixed, for retry reuse.
type RecoveryRecord struct {
	ID             string                 `json:"id"`
	ErrorType      string                 `json:"error_type"`
	Message        string                 `json:"message"`
	Tool           string                 `json:"tool"`
	OriginalParams map[string]interface{} `json:"original_params,omitempty"`
	FixedParams    map[string]interface{} `json:"fixed_params,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NarrativeEntry indexes one narrative markdown file.
type NarrativeEntry struct {
	NarrativeID string    `json:"narrative_id"`
	Category    string    `json:"category"`
	File        string    `json:"file"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// memoryIndex is the memory.json layout.
type memoryIndex struct {
	Reflections []ReflectionEntry `json:"reflections"`
	Recoveries  []RecoveryRecord  `json:"recoveries"`
	Narratives  []NarrativeEntry  `json:"narratives"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NarrativeFrontMatter is the YAML block heading each narrative file.
type NarrativeFrontMatter struct {
	NarrativeID     string   `yaml:"narrative_id"`
	Category        string   `yaml:"category"`
	RelatedMemories []string `yaml:"related_memories"`
	CreatedAt       string   `yaml:"created_at"`
	UpdatedAt       string   `yaml:"updated_at"`
}

// Store is the long-term semantic memory shared across tasks, laid out as
// {root}/<userId>/memory.json plus reflections/ and narratives/ markdown.
// Read-heavy with rare appends; one mutex per user file.
type Store struct {
	root   string
	logger utils.ExtendedLogger

	mu    sync.Mutex
	users map[string]*userStore
}

type userStore struct {
	mu    sync.Mutex
	dir   string
	index *memoryIndex
}

// NewStore opens (or creates) the storage root.
func NewStore(root string, logger utils.ExtendedLogger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("memory storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory root %s: %w", root, err)
	}
	return &Store{
		root:   root,
		logger: utils.OrSilent(logger),
		users:  make(map[string]*userStore),
	}, nil
}

func (s *Store) forUser(userID string) *userStore {
	if userID == "" {
		userID = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if us, ok := s.users[userID]; ok {
		return us
	}
	us := &userStore{dir: filepath.Join(s.root, userID)}
	s.users[userID] = us
	return us
}

func (us *userStore) indexPath() string { return filepath.Join(us.dir, "memory.json") }

// loadIndex reads memory.json lazily; a missing or corrupt file starts
// empty. Caller holds us.mu.
func (us *userStore) loadIndex() *memoryIndex {
	if us.index != nil {
		return us.index
	}
	us.index = &memoryIndex{}
	data, err := os.ReadFile(us.indexPath())
	if err != nil {
		return us.index
	}
	var idx memoryIndex
	if err := json.Unmarshal(data, &idx); err == nil {
		us.index = &idx
	}
	return us.index
}

// saveIndex persists memory.json. Caller holds us.mu.
func (us *userStore) saveIndex() error {
	us.index.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(us.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory index: %w", err)
	}
	if err := os.MkdirAll(us.dir, 0755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}
	if err := os.WriteFile(us.indexPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write memory index: %w", err)
	}
	return nil
}

// SaveReflection writes a reflection markdown file and indexes it.
func (s *Store) SaveReflection(userID, title, content string, tags []string) (string, error) {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	id := uuid.New().String()
	rel := filepath.Join("reflections", id+".md")
	full := filepath.Join(us.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create reflections directory: %w", err)
	}
	body := fmt.Sprintf("# %s\n\n%s\n", title, content)
	if err := os.WriteFile(full, []byte(body), 0644); err != nil {
		return "", fmt.Errorf("failed to write reflection: %w", err)
	}

	idx := us.loadIndex()
	idx.Reflections = append(idx.Reflections, ReflectionEntry{
		ID:        id,
		Title:     title,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
		File:      rel,
	})
	if err := us.saveIndex(); err != nil {
		return "", err
	}
	s.logger.Infof("💾 Saved reflection %q for user %s", title, userID)
	return id, nil
}

// Reflections lists the user's reflection index entries, newest first.
func (s *Store) Reflections(userID string) []ReflectionEntry {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	idx := us.loadIndex()
	out := make([]ReflectionEntry, len(idx.Reflections))
	copy(out, idx.Reflections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ReadReflection returns the markdown body of one reflection.
func (s *Store) ReadReflection(userID, id string) (string, error) {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	idx := us.loadIndex()
	for _, entry := range idx.Reflections {
		if entry.ID == id {
			data, err := os.ReadFile(filepath.Join(us.dir, entry.File))
			if err != nil {
				return "", fmt.Errorf("failed to read reflection %s: %w", id, err)
			}
			return string(data), nil
		}
	}
	return "", fmt.Errorf("reflection %s not found", id)
}

// RecordRecovery appends an error-recovery tuple to the index.
func (s *Store) RecordRecovery(userID string, rec RecoveryRecord) error {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	idx := us.loadIndex()
	idx.Recoveries = append(idx.Recoveries, rec)
	if err := us.saveIndex(); err != nil {
		return err
	}
	s.logger.Infof("💾 Recorded %s recovery for tool %s", rec.ErrorType, rec.Tool)
	return nil
}

// FindRecovery looks for a past recovery of a similar error on the same
// tool. Confidence: 1.0 for same tool/type/similar message, scaled down as
// signals weaken; 0 when nothing matches.
func (s *Store) FindRecovery(userID, tool, errorType, message string) (*RecoveryRecord, float64) {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	idx := us.loadIndex()
	var best *RecoveryRecord
	bestScore := 0.0
	for i := range idx.Recoveries {
		rec := &idx.Recoveries[i]
		if rec.Tool != tool {
			continue
		}
		score := 0.5
		if errorType != "" && rec.ErrorType == errorType {
			score += 0.3
		}
		score += 0.2 * messageSimilarity(rec.Message, message)
		if score > bestScore {
			bestScore = score
			best = rec
		}
	}
	if best == nil {
		return nil, 0
	}
	copied := *best
	return &copied, bestScore
}

// messageSimilarity is token overlap over union, case-insensitive.
func messageSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	for tok := range ta {
		if tb[tok] {
			common++
		}
	}
	union := len(ta) + len(tb) - common
	return float64(common) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,:;!?'\"()[]{}")
		if len(tok) > 2 {
			out[tok] = true
		}
	}
	return out
}

// SaveNarrative writes a narrative markdown file with YAML front-matter and
// indexes it.
func (s *Store) SaveNarrative(userID, category, body string, relatedMemories []string) (string, error) {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	fm := NarrativeFrontMatter{
		NarrativeID:     id,
		Category:        category,
		RelatedMemories: relatedMemories,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	rel := filepath.Join("narratives", id+".md")
	if err := us.writeNarrativeFile(rel, fm, body); err != nil {
		return "", err
	}

	idx := us.loadIndex()
	idx.Narratives = append(idx.Narratives, NarrativeEntry{
		NarrativeID: id,
		Category:    category,
		File:        rel,
		UpdatedAt:   time.Now().UTC(),
	})
	if err := us.saveIndex(); err != nil {
		return "", err
	}
	s.logger.Infof("💾 Saved %s narrative for user %s", category, userID)
	return id, nil
}

// UpdateNarrative rewrites an existing narrative's body, preserving its
// creation time and refreshing updated_at.
func (s *Store) UpdateNarrative(userID, narrativeID, body string, relatedMemories []string) error {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	idx := us.loadIndex()
	for i := range idx.Narratives {
		entry := &idx.Narratives[i]
		if entry.NarrativeID != narrativeID {
			continue
		}
		fm, _, err := us.readNarrativeFile(entry.File)
		if err != nil {
			return err
		}
		fm.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if relatedMemories != nil {
			fm.RelatedMemories = relatedMemories
		}
		if err := us.writeNarrativeFile(entry.File, fm, body); err != nil {
			return err
		}
		entry.UpdatedAt = time.Now().UTC()
		return us.saveIndex()
	}
	return fmt.Errorf("narrative %s not found", narrativeID)
}

// ReadNarrative returns the front-matter and body of one narrative.
func (s *Store) ReadNarrative(userID, narrativeID string) (NarrativeFrontMatter, string, error) {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	idx := us.loadIndex()
	for _, entry := range idx.Narratives {
		if entry.NarrativeID == narrativeID {
			return us.readNarrativeFile(entry.File)
		}
	}
	return NarrativeFrontMatter{}, "", fmt.Errorf("narrative %s not found", narrativeID)
}

// Narratives lists index entries for a category; empty category lists all.
func (s *Store) Narratives(userID, category string) []NarrativeEntry {
	us := s.forUser(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	idx := us.loadIndex()
	var out []NarrativeEntry
	for _, entry := range idx.Narratives {
		if category == "" || entry.Category == category {
			out = append(out, entry)
		}
	}
	return out
}

func (us *userStore) writeNarrativeFile(rel string, fm NarrativeFrontMatter, body string) error {
	full := filepath.Join(us.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create narratives directory: %w", err)
	}
	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("failed to marshal narrative front-matter: %w", err)
	}
	content := fmt.Sprintf("---\n%s---\n\n%s\n", string(fmBytes), strings.TrimRight(body, "\n"))
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write narrative: %w", err)
	}
	return nil
}

func (us *userStore) readNarrativeFile(rel string) (NarrativeFrontMatter, string, error) {
	data, err := os.ReadFile(filepath.Join(us.dir, rel))
	if err != nil {
		return NarrativeFrontMatter{}, "", fmt.Errorf("failed to read narrative: %w", err)
	}
	fm, body, err := splitFrontMatter(string(data))
	if err != nil {
		return NarrativeFrontMatter{}, "", err
	}
	return fm, body, nil
}

func splitFrontMatter(content string) (NarrativeFrontMatter, string, error) {
	var fm NarrativeFrontMatter
	if !strings.HasPrefix(content, "---\n") {
		return fm, content, nil
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, content, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return fm, "", fmt.Errorf("failed to parse narrative front-matter: %w", err)
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")
	return fm, strings.TrimRight(body, "\n"), nil
}

// Excerpt renders the recent slice of a user's memory for planner prompts:
// latest reflection titles and narrative categories.
func (s *Store) Excerpt(userID string, maxItems int) string {
	if maxItems <= 0 {
		maxItems = 5
	}
	reflections := s.Reflections(userID)
	narratives := s.Narratives(userID, "")
	if len(reflections) == 0 && len(narratives) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Long-term memory\n")
	for i, entry := range reflections {
		if i >= maxItems {
			break
		}
		fmt.Fprintf(&b, "- reflection: %s\n", entry.Title)
	}
	seen := make(map[string]bool)
	for _, entry := range narratives {
		if len(seen) >= maxItems {
			break
		}
		if !seen[entry.Category] {
			seen[entry.Category] = true
			fmt.Fprintf(&b, "- narrative topic: %s\n", entry.Category)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
