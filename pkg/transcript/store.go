package transcript

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// ThinkingPlaceholder is shown in a fresh assistant turn until the first
	// fragment of the answer replaces it.
	ThinkingPlaceholder = "🧠 Thinking..."
	// ApologyText replaces the content of a turn that ended in an error.
	ApologyText = "Sorry, something went wrong."
)

// ErrTurnActive is returned when a new assistant turn is opened while another one
// is still streaming.
var ErrTurnActive = errors.New("transcript: an assistant turn is already streaming")

// Turn is one message of the conversation.
type Turn struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming"`
	Thinking  bool   `json:"thinking,omitempty"`
}

// Change reports the latest state of a turn that was mutated since the previous
// DrainChanges call.
type Change struct {
	Index   int
	Version uint64
	Turn    Turn
}

// Store is the ordered transcript plus the pointer to the single turn receiving
// streamed updates. It is not safe for concurrent use: it is owned by the session
// event loop.
type Store struct {
	turns   []Turn
	active  int
	version uint64

	changed    []int
	changedSet map[int]struct{}
}

func NewStore() *Store {
	return &Store{
		active:     -1,
		changedSet: map[int]struct{}{},
	}
}

// Load seeds an empty store with an already fetched history. Loaded turns are
// complete by definition, so their streaming and thinking flags are cleared.
func (s *Store) Load(history []Turn) error {
	if s == nil {
		return errors.New("transcript: nil store")
	}
	if len(s.turns) > 0 {
		return errors.New("transcript: history can only be loaded into an empty transcript")
	}
	for i, t := range history {
		role, err := historyRole(t.Role)
		if err != nil {
			return errors.Wrapf(err, "transcript: history entry %d", i)
		}
		t.Role = role
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.Streaming = false
		t.Thinking = false
		s.turns = append(s.turns, t)
	}
	return nil
}

// historyRole normalizes the role of a stored turn. Anything that is not the
// student is the mentor speaking, whatever name the server gave it ("ai" for
// the socket history).
func historyRole(r Role) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(string(r)))) {
	case "":
		return "", errors.New("missing role")
	case RoleUser:
		return RoleUser, nil
	default:
		return RoleAssistant, nil
	}
}

func (s *Store) AppendUser(text string) int {
	s.turns = append(s.turns, Turn{
		ID:      uuid.NewString(),
		Role:    RoleUser,
		Content: text,
	})
	idx := len(s.turns) - 1
	s.markChanged(idx)
	return idx
}

// BeginAssistantTurn appends a streaming assistant turn and makes it the active turn.
func (s *Store) BeginAssistantTurn(initial string, thinking bool) (int, error) {
	if _, ok := s.Active(); ok {
		return -1, ErrTurnActive
	}
	s.turns = append(s.turns, Turn{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   initial,
		Streaming: true,
		Thinking:  thinking,
	})
	s.active = len(s.turns) - 1
	s.markChanged(s.active)
	return s.active, nil
}

// IngestFragment appends a streamed text fragment to the active turn. Fragments that
// arrive after the turn was finalized or errored are dropped.
func (s *Store) IngestFragment(fragment string) bool {
	idx, ok := s.Active()
	if !ok {
		log.Debug().Str("component", "transcript").Int("len", len(fragment)).Msg("dropping fragment without active turn")
		return false
	}
	t := &s.turns[idx]
	if t.Thinking {
		t.Content = ""
		t.Thinking = false
	}
	t.Content += fragment
	s.markChanged(idx)
	return true
}

// MergeChunkText reveals the text attached to an audio chunk. It follows the same
// placeholder replacement rule as IngestFragment.
func (s *Store) MergeChunkText(text string) bool {
	if text == "" {
		return false
	}
	return s.IngestFragment(text)
}

// Finalize completes the active turn. A non-empty finalText replaces the streamed
// content; otherwise the streamed content is normalized.
func (s *Store) Finalize(finalText string) bool {
	idx, ok := s.Active()
	if !ok {
		return false
	}
	t := &s.turns[idx]
	if finalText != "" {
		t.Content = finalText
	} else if t.Thinking {
		t.Content = ""
	} else {
		t.Content = Normalize(t.Content)
	}
	t.Thinking = false
	t.Streaming = false
	s.active = -1
	s.markChanged(idx)
	return true
}

// OnError terminates the active turn with the apology text.
func (s *Store) OnError(message string) bool {
	idx, ok := s.Active()
	if !ok {
		return false
	}
	log.Debug().Str("component", "transcript").Str("error", message).Int("turn", idx).Msg("terminating turn after error")
	t := &s.turns[idx]
	t.Content = ApologyText
	t.Thinking = false
	t.Streaming = false
	s.active = -1
	s.markChanged(idx)
	return true
}

// Active returns the index of the streaming turn. A pointer that no longer
// references a streaming turn is treated as unset.
func (s *Store) Active() (int, bool) {
	if s == nil || s.active < 0 || s.active >= len(s.turns) {
		return -1, false
	}
	if !s.turns[s.active].Streaming {
		return -1, false
	}
	return s.active, true
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.turns)
}

func (s *Store) Turn(idx int) (Turn, bool) {
	if s == nil || idx < 0 || idx >= len(s.turns) {
		return Turn{}, false
	}
	return s.turns[idx], true
}

// Turns returns a copy of the transcript.
func (s *Store) Turns() []Turn {
	if s == nil {
		return nil
	}
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Store) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// DrainChanges returns the turns mutated since the last call, in index order of
// their first mutation.
func (s *Store) DrainChanges() []Change {
	if s == nil || len(s.changed) == 0 {
		return nil
	}
	out := make([]Change, 0, len(s.changed))
	for _, idx := range s.changed {
		out = append(out, Change{Index: idx, Version: s.version, Turn: s.turns[idx]})
	}
	s.changed = s.changed[:0]
	s.changedSet = map[int]struct{}{}
	return out
}

func (s *Store) markChanged(idx int) {
	s.version++
	if _, ok := s.changedSet[idx]; ok {
		return
	}
	s.changedSet[idx] = struct{}{}
	s.changed = append(s.changed, idx)
}
