package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pulseline/internal/config"
	"pulseline/internal/domain"
)

func strPtr(s string) *string { return &s }

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	out := map[string]Store{}
	for _, backend := range []string{config.BackendJSONL, config.BackendSQLite} {
		s, err := Open(ctx, backend, t.TempDir(), zap.NewNop().Sugar())
		require.NoError(t, err, backend)
		t.Cleanup(func() { s.Close() })
		out[backend] = s
	}
	return out
}

func TestStoreAppendReadAllOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := s.ReadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty)

			for _, title := range []string{"a", "b", "c"} {
				require.NoError(t, s.Append(ctx, domain.JobEvent{EventID: title, JobID: "job-1", Title: strPtr(title)}))
			}
			evts, err := s.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, evts, 3)
			for i, want := range []string{"a", "b", "c"} {
				assert.Equal(t, want, *evts[i].Title)
			}
		})
	}
}

func TestStoreReset(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "job-1"}))
			require.NoError(t, s.Reset(ctx))
			evts, err := s.ReadAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, evts)

			require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "job-2"}))
			evts, err = s.ReadAll(ctx)
			require.NoError(t, err)
			require.Len(t, evts, 1)
			assert.Equal(t, "job-2", evts[0].JobID)
		})
	}
}

func TestSQLStoreAssignsSeq(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLStore(ctx, t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "a", Seq: 99}))
	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "b"}))
	evts, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Less(t, evts[0].Seq, evts[1].Seq)
	assert.NotEmpty(t, evts[0].EventID)
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "good-1"}))
	f, err := os.OpenFile(filepath.Join(dir, "jobs.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"title\":\"no job id\"}\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "good-2"}))

	evts, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "good-1", evts[0].JobID)
	assert.Equal(t, "good-2", evts[1].JobID)
}

func TestFileStoreReadsTrailingLineWithoutNewline(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs.jsonl"), []byte(`{"jobId":"x","state":"running"}`), 0o644))
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	evts, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, domain.StateRunning, *evts[0].State)
}

func TestFileStoreAppendAfterTornLine(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "a"}))
	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"jobId":"b","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "c"}))

	evts, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "a", evts[0].JobID)
	assert.Equal(t, "c", evts[1].JobID)

	// the log is line-aligned again
	require.NoError(t, s.Append(ctx, domain.JobEvent{JobID: "d"}))
	evts, err = s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "d", evts[2].JobID)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "redis", t.TempDir(), nil)
	require.Error(t, err)
}
