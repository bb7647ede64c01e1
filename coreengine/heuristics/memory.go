package heuristics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
)

// DefaultMemoryCapacity bounds the records kept per user.
const DefaultMemoryCapacity = 200

type storedMemory struct {
	id        string
	record    orchestrator.MemoryRecord
	createdAt time.Time
	terms     map[string]struct{}
}

// MemoryStore keeps conversation turns in process, per user, oldest evicted
// first. It also recalls memories by word overlap with the prompt.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	byUser   map[string][]storedMemory
	now      func() time.Time
}

// NewMemoryStore creates a store holding up to capacity records per user.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		byUser:   make(map[string][]storedMemory),
		now:      time.Now,
	}
}

// StoreMemory implements orchestrator.MemoryStore.
func (m *MemoryStore) StoreMemory(_ context.Context, rec orchestrator.MemoryRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("memory record has no user id")
	}
	rec.Tags = append([]string{}, rec.Tags...)

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.byUser[rec.UserID], storedMemory{
		id:        uuid.NewString(),
		record:    rec,
		createdAt: m.now().UTC(),
		terms:     terms(rec.Content),
	})
	if len(list) > m.capacity {
		list = list[len(list)-m.capacity:]
	}
	m.byUser[rec.UserID] = list
	return nil
}

// RecallMemories implements orchestrator.MemoryRecaller. Results are ranked
// by shared words, then importance, then recency.
func (m *MemoryStore) RecallMemories(_ context.Context, userID, query string, limit int) ([]map[string]any, error) {
	q := terms(query)
	if len(q) == 0 || limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	type scored struct {
		mem   storedMemory
		score int
	}
	var hits []scored
	for _, mem := range m.byUser[userID] {
		score := 0
		for t := range q {
			if _, ok := mem.terms[t]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{mem: mem, score: score})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].mem.record.Importance != hits[j].mem.record.Importance {
			return hits[i].mem.record.Importance > hits[j].mem.record.Importance
		}
		return hits[i].mem.createdAt.After(hits[j].mem.createdAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"id":         h.mem.id,
			"content":    h.mem.record.Content,
			"session_id": h.mem.record.SessionID,
			"tags":       append([]string{}, h.mem.record.Tags...),
			"importance": h.mem.record.Importance,
			"score":      h.score,
			"created_at": h.mem.createdAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

// Count returns the number of records held for userID.
func (m *MemoryStore) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "to": {}, "of": {}, "in": {},
	"is": {}, "it": {}, "i": {}, "you": {}, "me": {}, "my": {}, "what": {}, "for": {},
}

func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
	}) {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// =============================================================================
// CONTEXT BUILDER
// =============================================================================

// ContextBuilder summarizes the history and recalled memories.
type ContextBuilder struct {
	// MaxHistory bounds the history entries copied into the context.
	MaxHistory int
}

// NewContextBuilder creates a builder keeping the last 20 history entries.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{MaxHistory: 20}
}

// BuildContext implements orchestrator.ContextBuilder.
func (b *ContextBuilder) BuildContext(_ context.Context, req orchestrator.ContextRequest) (map[string]any, error) {
	history := req.History
	if b.MaxHistory > 0 && len(history) > b.MaxHistory {
		history = history[len(history)-b.MaxHistory:]
	}
	entries := make([]any, 0, len(history))
	for _, h := range history {
		entries = append(entries, map[string]any{"role": string(h.Role), "content": h.Content, "type": h.Type})
	}
	memories := make([]any, 0, len(req.Memories))
	for _, m := range req.Memories {
		memories = append(memories, m)
	}

	summary := "No prior context"
	if prior := len(req.History) - 1; prior > 0 || len(req.Memories) > 0 {
		summary = fmt.Sprintf("%d prior message(s), %d related memory(ies)", max(prior, 0), len(req.Memories))
	}
	return map[string]any{
		"conversation_history": entries,
		"context_summary":      summary,
		"memories":             memories,
	}, nil
}
