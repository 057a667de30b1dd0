package transcriptstore

import (
	"context"
	"strings"
)

// Conversation statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// TurnRecord is the persisted projection of one transcript turn. Records are
// keyed by (ConvID, TurnID) and overwritten by later snapshots of the same turn.
type TurnRecord struct {
	ConvID      string `json:"conv_id"`
	TurnID      string `json:"turn_id"`
	Index       int    `json:"index"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Streaming   bool   `json:"streaming"`
	Version     uint64 `json:"version"`
	CreatedAtMs int64  `json:"created_at_ms"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// ConversationRecord captures conversation-level metadata used for listing and
// resuming conversations.
type ConversationRecord struct {
	ConvID          string `json:"conv_id"`
	ContextID       string `json:"context_id"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	LastActivityMs  int64  `json:"last_activity_ms"`
	LastSeenVersion uint64 `json:"last_seen_version"`
	TurnCount       int    `json:"turn_count"`
	Status          string `json:"status"`
	LastError       string `json:"last_error,omitempty"`
}

// Snapshot is the stored transcript of one conversation in turn order.
type Snapshot struct {
	ConvID  string       `json:"conv_id"`
	Version uint64       `json:"version"`
	Turns   []TurnRecord `json:"turns"`
}

// Store is the durable transcript projection.
//
// Upsert receives turn snapshots with a per-conversation monotonic version;
// GetSnapshot returns the turns changed after sinceVersion ordered by index.
type Store interface {
	Upsert(ctx context.Context, convID string, version uint64, turn TurnRecord) error
	GetSnapshot(ctx context.Context, convID string, sinceVersion uint64, limit int) (*Snapshot, error)
	UpsertConversation(ctx context.Context, record ConversationRecord) error
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)
	Close() error
}

func normalizeConversationRecord(record ConversationRecord, now int64) ConversationRecord {
	record.ConvID = strings.TrimSpace(record.ConvID)
	record.ContextID = strings.TrimSpace(record.ContextID)
	record.Status = strings.TrimSpace(record.Status)
	record.LastError = strings.TrimSpace(record.LastError)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	return record
}

func mergeConversationRecord(existing, incoming ConversationRecord, now int64) ConversationRecord {
	incoming = normalizeConversationRecord(incoming, now)
	if existing.ConvID == "" {
		if incoming.Status == "" {
			incoming.Status = StatusActive
		}
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.LastSeenVersion < existing.LastSeenVersion {
		incoming.LastSeenVersion = existing.LastSeenVersion
	}
	if incoming.TurnCount < existing.TurnCount {
		incoming.TurnCount = existing.TurnCount
	}
	if incoming.ContextID == "" {
		incoming.ContextID = existing.ContextID
	}
	if incoming.Status == "" {
		incoming.Status = existing.Status
	}
	if incoming.LastError == "" {
		incoming.LastError = existing.LastError
	}
	if incoming.Status == "" {
		incoming.Status = StatusActive
	}
	return incoming
}
