package transcriptstore

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/go-go-golems/mentor/pkg/transcript"
)

// FromTurn converts a transcript turn into its stored form.
func FromTurn(convID string, index int, t transcript.Turn) TurnRecord {
	return TurnRecord{
		ConvID:    convID,
		TurnID:    t.ID,
		Index:     index,
		Role:      string(t.Role),
		Content:   t.Content,
		Streaming: t.Streaming,
	}
}

// LoadHistory reads a stored conversation back as transcript turns. A turn that
// was still streaming when it was stored is returned as complete.
func LoadHistory(ctx context.Context, store Store, convID string) ([]transcript.Turn, error) {
	if store == nil {
		return nil, errors.New("transcript store: nil store")
	}
	snap, err := store.GetSnapshot(ctx, convID, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]transcript.Turn, 0, len(snap.Turns))
	for _, r := range snap.Turns {
		out = append(out, transcript.Turn{
			ID:      r.TurnID,
			Role:    transcript.Role(r.Role),
			Content: r.Content,
		})
	}
	return out, nil
}

// ReadHistoryFile reads a JSON array of {role, content} objects, the shape the
// history service returns.
func ReadHistoryFile(path string) ([]transcript.Turn, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read history file")
	}
	var turns []transcript.Turn
	if err := json.Unmarshal(b, &turns); err != nil {
		return nil, errors.Wrapf(err, "parse history file %s", path)
	}
	return turns, nil
}
