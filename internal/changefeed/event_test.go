package changefeed

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventAcceptsVariants(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"projectId":"p1","files":[{"path":"a.ts"}],"type":"file_changed"}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", ev.ProjectID)
	assert.Equal(t, EventFileChanged, ev.Type)
	assert.Equal(t, []FileRef{{Path: "a.ts"}}, ev.Files)

	ev, err = ParseEvent([]byte(`{"projectId":"p1","type":"connected"}`))
	require.NoError(t, err)
	assert.False(t, ev.IsChange())
}

func TestParseEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"projectId":`,
		"missing project": `{"files":[{"path":"a"}],"type":"file_changed"}`,
		"no files":        `{"projectId":"p1","type":"file_deleted"}`,
		"empty path":      `{"projectId":"p1","files":[{"path":" "}],"type":"file_changed"}`,
		"unknown type":    `{"projectId":"p1","files":[{"path":"a"}],"type":"exploded"}`,
		"missing type":    `{"projectId":"p1","files":[{"path":"a"}]}`,
		"wrong shape":     `{"projectId":"p1","files":"a.ts","type":"file_changed"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEvent))
		})
	}
}

func TestNewChangeDedupesAndSorts(t *testing.T) {
	ev := NewChange("p1", EventFileChanged, []string{"b.ts", "a.ts", "b.ts", ""})
	assert.Equal(t, []FileRef{{Path: "a.ts"}, {Path: "b.ts"}}, ev.Files)
	assert.NotZero(t, ev.Timestamp)
	require.NoError(t, ev.Validate())

	changes := ev.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, Change{ProjectID: "p1", Path: "a.ts", Type: EventFileChanged}, changes[0])
}

func TestEncodeFramesOneMessage(t *testing.T) {
	ev := NewChange("p1", EventFileDeleted, []string{"src/App.tsx"})
	frame, err := Encode(ev)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(frame, []byte("data:")))
	assert.True(t, bytes.HasSuffix(frame, []byte("\n\n")))

	body := bytes.TrimSpace(bytes.TrimPrefix(frame, []byte("data:")))
	decoded, err := ParseEvent(body)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}
