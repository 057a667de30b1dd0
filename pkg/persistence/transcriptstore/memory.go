package transcriptstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a size-limited, in-memory Store. It mirrors the ordering
// semantics of the SQLite store.
type InMemoryStore struct {
	mu              sync.Mutex
	maxTurnsPerConv int
	convs           map[string]*inMemTranscript
	conversations   map[string]ConversationRecord
}

type inMemTranscript struct {
	version uint64
	turns   map[string]TurnRecord
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxTurnsPerConv int) *InMemoryStore {
	if maxTurnsPerConv <= 0 {
		maxTurnsPerConv = 5000
	}
	return &InMemoryStore{
		maxTurnsPerConv: maxTurnsPerConv,
		convs:           map[string]*inMemTranscript{},
		conversations:   map[string]ConversationRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) UpsertConversation(_ context.Context, record ConversationRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	now := time.Now().UnixMilli()
	record = normalizeConversationRecord(record, now)
	if record.ConvID == "" {
		return errors.New("in-memory transcript store: convID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[record.ConvID] = mergeConversationRecord(s.conversations[record.ConvID], record, now)
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil {
		return ConversationRecord{}, false, errors.New("in-memory transcript store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("in-memory transcript store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[convID]
	return record, ok, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ConversationRecord, 0, len(s.conversations))
	for _, record := range s.conversations {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].ConvID < records[j].ConvID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, convID string, version uint64, turn TurnRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	if err := validateUpsert(convID, version, turn); err != nil {
		return errors.Wrap(err, "in-memory transcript store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		conv = &inMemTranscript{turns: map[string]TurnRecord{}}
		s.convs[convID] = conv
	}

	now := time.Now().UnixMilli()
	createdAt := turn.CreatedAtMs
	if existing, ok := conv.turns[turn.TurnID]; ok && existing.CreatedAtMs > 0 {
		createdAt = existing.CreatedAtMs
	}
	if createdAt == 0 {
		createdAt = now
	}
	turn.ConvID = convID
	turn.Version = version
	turn.CreatedAtMs = createdAt
	turn.UpdatedAtMs = now
	conv.turns[turn.TurnID] = turn
	if version > conv.version {
		conv.version = version
	}

	// Drop the oldest turns by index once over the limit.
	if len(conv.turns) > s.maxTurnsPerConv {
		ordered := sortedTurns(conv.turns)
		for i := 0; i < len(ordered)-s.maxTurnsPerConv; i++ {
			delete(conv.turns, ordered[i].TurnID)
		}
	}

	s.conversations[convID] = mergeConversationRecord(s.conversations[convID], ConversationRecord{
		ConvID:          convID,
		LastActivityMs:  now,
		LastSeenVersion: conv.version,
		TurnCount:       len(conv.turns),
	}, now)
	return nil
}

func (s *InMemoryStore) GetSnapshot(_ context.Context, convID string, sinceVersion uint64, limit int) (*Snapshot, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if convID == "" {
		return nil, errors.New("in-memory transcript store: convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		return &Snapshot{ConvID: convID}, nil
	}
	turns := make([]TurnRecord, 0, len(conv.turns))
	for _, t := range sortedTurns(conv.turns) {
		if sinceVersion > 0 && t.Version <= sinceVersion {
			continue
		}
		turns = append(turns, t)
		if len(turns) == limit {
			break
		}
	}
	return &Snapshot{ConvID: convID, Version: conv.version, Turns: turns}, nil
}

func sortedTurns(m map[string]TurnRecord) []TurnRecord {
	out := make([]TurnRecord, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index == out[j].Index {
			return out[i].TurnID < out[j].TurnID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func validateUpsert(convID string, version uint64, turn TurnRecord) error {
	if strings.TrimSpace(convID) == "" {
		return errors.New("convID is empty")
	}
	if version == 0 {
		return errors.New("version is 0")
	}
	if strings.TrimSpace(turn.TurnID) == "" {
		return errors.New("turn id is empty")
	}
	if turn.Index < 0 {
		return errors.Errorf("turn index %d is negative", turn.Index)
	}
	switch turn.Role {
	case "user", "assistant":
	default:
		return errors.Errorf("unknown role %q", turn.Role)
	}
	return nil
}
