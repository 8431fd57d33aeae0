package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/internal/escalation"
	"pulseline/internal/tail"
)

func TestEncodeDecodePreservesNestedFields(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	st := New()
	st.Briefing.LastPublishedAt = at
	st.Briefing.LastDigest = "abc"
	st.Cursor = tail.Cursor{LogPath: "/var/log/gw.log", Pos: 42}
	st.Escalation = escalation.State{
		Counters:  map[string]map[string]int{"gateway": {"pm": 3}},
		LastFired: map[string]time.Time{"gateway": at},
		Signal:    escalation.Signal{Pending: true, Mention: "@here", Reason: "pm: 3 errors", At: at},
	}

	data, err := Encode(st)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, got.Version)
	assert.Equal(t, st.Cursor, got.Cursor)
	assert.Equal(t, 3, got.Escalation.Counter("gateway", "pm"))
	assert.True(t, got.Escalation.LastFired["gateway"].Equal(at))
	assert.True(t, got.Escalation.Signal.Pending)
	assert.Equal(t, "@here", got.Escalation.Signal.Mention)
	assert.True(t, got.Briefing.LastPublishedAt.Equal(at))
}

func TestDecodeEdgeCases(t *testing.T) {
	st, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, New(), st)

	st, err = Decode([]byte(`{"cursor":{"log_path":"a","pos":3}}`))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, st.Version)
	assert.Equal(t, int64(3), st.Cursor.Pos)

	_, err = Decode([]byte(`{"version":99}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{nope`))
	assert.Error(t, err)
}

func TestFileLoadSave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := NewFile(dir)

	st, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, New(), st)

	st.Cursor.Pos = 10
	require.NoError(t, f.Save(ctx, st))
	_, err = os.Stat(f.Path())
	require.NoError(t, err)

	again, err := NewFile(dir).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.Cursor.Pos)
}
