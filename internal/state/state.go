// Package state persists the scheduler's small working snapshot: the publish
// marker, the log cursor and escalation bookkeeping.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"pulseline/internal/escalation"
	"pulseline/internal/tail"
)

// SchemaVersion is the snapshot layout written by Encode.
const SchemaVersion = 1

const fileName = "state.json"

// Briefing records the last successful publish.
type Briefing struct {
	LastPublishedAt time.Time `json:"last_published_at"`
	// LastDigest is the digest of the published body, header excluded.
	LastDigest string    `json:"last_digest,omitempty"`
	LastTickAt time.Time `json:"last_tick_at"`
}

// State is the whole snapshot.
type State struct {
	Version    int              `json:"version"`
	Briefing   Briefing         `json:"briefing"`
	Cursor     tail.Cursor      `json:"cursor"`
	Escalation escalation.State `json:"escalation"`
}

// New returns an empty snapshot at the current schema version.
func New() State {
	return State{Version: SchemaVersion}
}

// Decode parses a snapshot. Empty input yields New(). Unknown future versions
// are rejected rather than partially read.
func Decode(data []byte) (State, error) {
	if len(data) == 0 {
		return New(), nil
	}
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	switch probe.Version {
	case 0, SchemaVersion:
		// version 0 is the unversioned layout, field compatible with v1
	default:
		return State{}, fmt.Errorf("decode state: unsupported version %d", probe.Version)
	}
	st := New()
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	st.Version = SchemaVersion
	return st, nil
}

// Encode serialises a snapshot at SchemaVersion.
func Encode(st State) ([]byte, error) {
	st.Version = SchemaVersion
	return json.MarshalIndent(st, "", "  ")
}

// File stores a State in dir/state.json, replaced atomically on save.
type File struct {
	path string
	lock *flock.Flock
}

// NewFile returns the snapshot file inside dir.
func NewFile(dir string) *File {
	path := filepath.Join(dir, fileName)
	return &File{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the snapshot location.
func (f *File) Path() string { return f.path }

// Load reads the snapshot; a missing file yields New().
func (f *File) Load(ctx context.Context) (State, error) {
	if err := f.acquire(ctx, true); err != nil {
		return State{}, err
	}
	defer f.lock.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return State{}, err
	}
	return Decode(data)
}

// Save writes the snapshot through a temp file and rename.
func (f *File) Save(ctx context.Context, st State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	if err := f.acquire(ctx, false); err != nil {
		return err
	}
	defer f.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (f *File) acquire(ctx context.Context, shared bool) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = f.lock.TryRLockContext(ctx, 20*time.Millisecond)
	} else {
		ok, err = f.lock.TryLockContext(ctx, 20*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock state: not acquired")
	}
	return nil
}
