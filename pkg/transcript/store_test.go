package transcript

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func streamingCount(s *Store) int {
	n := 0
	for _, t := range s.Turns() {
		if t.Streaming {
			n++
		}
	}
	return n
}

func TestStore_FragmentsConcatenateAndFinalize(t *testing.T) {
	s := NewStore()
	s.AppendUser("question")
	idx, err := s.BeginAssistantTurn("", false)
	require.NoError(t, err)

	require.True(t, s.IngestFragment("AB"))
	require.True(t, s.IngestFragment("CD"))
	require.True(t, s.IngestFragment("EF"))
	require.True(t, s.Finalize(""))

	turn, ok := s.Turn(idx)
	require.True(t, ok)
	require.Equal(t, "ABCDEF", turn.Content)
	require.False(t, turn.Streaming)
	_, active := s.Active()
	require.False(t, active)
}

func TestStore_FirstFragmentReplacesThinkingPlaceholder(t *testing.T) {
	s := NewStore()
	idx, err := s.BeginAssistantTurn(ThinkingPlaceholder, true)
	require.NoError(t, err)

	require.True(t, s.IngestFragment("Hello "))
	require.True(t, s.IngestFragment("world"))

	turn, _ := s.Turn(idx)
	require.Equal(t, "Hello world", turn.Content)
	require.False(t, turn.Thinking)
	require.True(t, turn.Streaming)
}

func TestStore_LateFragmentsAreIgnored(t *testing.T) {
	s := NewStore()
	require.False(t, s.IngestFragment("orphan"))

	idx, err := s.BeginAssistantTurn("", false)
	require.NoError(t, err)
	require.True(t, s.IngestFragment("done"))
	require.True(t, s.Finalize(""))

	require.False(t, s.IngestFragment(" late"))
	require.False(t, s.MergeChunkText(" late"))
	require.False(t, s.Finalize("again"))
	turn, _ := s.Turn(idx)
	require.Equal(t, "done", turn.Content)
}

func TestStore_FinalTextReplacesStreamedContent(t *testing.T) {
	s := NewStore()
	idx, err := s.BeginAssistantTurn(ThinkingPlaceholder, true)
	require.NoError(t, err)
	s.IngestFragment("partial   answer")
	require.True(t, s.Finalize("The full answer."))

	turn, _ := s.Turn(idx)
	require.Equal(t, "The full answer.", turn.Content)
	require.False(t, turn.Streaming)
}

func TestStore_NormalizationIsDeferredToFinalize(t *testing.T) {
	s := NewStore()
	idx, err := s.BeginAssistantTurn("", false)
	require.NoError(t, err)

	s.IngestFragment("** Heading")
	s.IngestFragment(" **\n\n\n\nbody   text  ")
	turn, _ := s.Turn(idx)
	require.Equal(t, "** Heading **\n\n\n\nbody   text  ", turn.Content)

	s.Finalize("")
	turn, _ = s.Turn(idx)
	require.Equal(t, "**Heading**\n\nbody text", turn.Content)
}

func TestStore_OnError(t *testing.T) {
	s := NewStore()
	require.False(t, s.OnError("no turn"))

	idx, err := s.BeginAssistantTurn(ThinkingPlaceholder, true)
	require.NoError(t, err)
	s.IngestFragment("half an ans")
	require.True(t, s.OnError("upstream failure"))

	turn, _ := s.Turn(idx)
	require.Equal(t, ApologyText, turn.Content)
	require.False(t, turn.Streaming)
	require.Equal(t, 0, streamingCount(s))
	require.False(t, s.OnError("twice"))
}

func TestStore_SingleStreamingTurn(t *testing.T) {
	s := NewStore()
	s.AppendUser("one")
	_, err := s.BeginAssistantTurn(ThinkingPlaceholder, true)
	require.NoError(t, err)
	require.Equal(t, 1, streamingCount(s))

	_, err = s.BeginAssistantTurn("", false)
	require.True(t, errors.Is(err, ErrTurnActive))
	require.Equal(t, 1, streamingCount(s))

	s.Finalize("")
	require.Equal(t, 0, streamingCount(s))

	_, err = s.BeginAssistantTurn("", false)
	require.NoError(t, err)
	require.Equal(t, 1, streamingCount(s))
}

func TestStore_AppendOnlyIndexes(t *testing.T) {
	s := NewStore()
	u := s.AppendUser("q1")
	a, _ := s.BeginAssistantTurn("", false)
	s.IngestFragment("a1")
	s.Finalize("")
	first, _ := s.Turn(a)

	s.AppendUser("q2")
	s.BeginAssistantTurn("", false)
	s.IngestFragment("a2")

	again, _ := s.Turn(a)
	require.Equal(t, first, again)
	user, _ := s.Turn(u)
	require.Equal(t, "q1", user.Content)
	require.Equal(t, 4, s.Len())
}

func TestStore_LoadHistory(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load([]Turn{
		{Role: "User", Content: "hi"},
		{Role: RoleAssistant, Content: "hello", Streaming: true, Thinking: true},
	}))
	turns := s.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, RoleUser, turns[0].Role)
	require.NotEmpty(t, turns[0].ID)
	require.False(t, turns[1].Streaming)
	require.False(t, turns[1].Thinking)
	_, active := s.Active()
	require.False(t, active)

	require.Error(t, s.Load([]Turn{{Role: RoleUser}}))
	require.Error(t, NewStore().Load([]Turn{{Role: " "}}))
}

func TestStore_LoadHistoryMapsMentorRoles(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load([]Turn{
		{Role: "user", Content: "q"},
		{Role: "ai", Content: "a1"},
		{Role: "AI", Content: "a2"},
		{Role: "mentor", Content: "a3"},
	}))
	turns := s.Turns()
	require.Len(t, turns, 4)
	require.Equal(t, RoleUser, turns[0].Role)
	for _, turn := range turns[1:] {
		require.Equal(t, RoleAssistant, turn.Role, turn.Content)
	}
}

func TestStore_DrainChanges(t *testing.T) {
	s := NewStore()
	s.AppendUser("q")
	s.BeginAssistantTurn(ThinkingPlaceholder, true)
	s.IngestFragment("a")
	s.IngestFragment("b")

	changes := s.DrainChanges()
	require.Len(t, changes, 2)
	require.Equal(t, 0, changes[0].Index)
	require.Equal(t, 1, changes[1].Index)
	require.Equal(t, "ab", changes[1].Turn.Content)
	require.Equal(t, uint64(4), changes[1].Version)
	require.Nil(t, s.DrainChanges())

	s.Finalize("")
	changes = s.DrainChanges()
	require.Len(t, changes, 1)
	require.False(t, changes[0].Turn.Streaming)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"a\n\n\n\nb":           "a\n\nb",
		"a\n\nb":               "a\n\nb",
		"a  \t b":              "a b",
		"** bold text **":      "**bold text**",
		"**tight**":            "**tight**",
		"  padded answer \n":   "padded answer",
		"line one\n  line two": "line one\n line two",
	}
	for in, want := range cases {
		require.Equal(t, want, Normalize(in), "input %q", in)
	}
}
