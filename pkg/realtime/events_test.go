package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlers_ErrorEventAlwaysDispatched(t *testing.T) {
	cases := map[string]struct {
		payload string
		want    string
	}{
		"object":         {`{"message":"model overloaded"}`, "model overloaded"},
		"bare string":    {`"rate limited"`, "rate limited"},
		"object message": {`{"message":{"code":500}}`, `{"code":500}`},
		"number":         {`503`, `503`},
		"no message":     {`{"code":500}`, `{"code":500}`},
		"empty":          {`{}`, UnknownServerError},
		"empty message":  {`{"message":"","code":7}`, `{"message":"","code":7}`},
		"null":           {`null`, UnknownServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var got []string
			h := Handlers{OnError: func(msg string) { got = append(got, msg) }}
			require.NoError(t, h.dispatch(EventError, []json.RawMessage{json.RawMessage(tc.payload)}))
			require.Equal(t, []string{tc.want}, got)
		})
	}

	var got []string
	h := Handlers{OnError: func(msg string) { got = append(got, msg) }}
	require.NoError(t, h.dispatch(EventError, nil))
	require.Equal(t, []string{UnknownServerError}, got)
}
