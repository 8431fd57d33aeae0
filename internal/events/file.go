package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"pulseline/internal/domain"
	"pulseline/internal/logging"
)

const (
	jobLogName     = "jobs.jsonl"
	lockRetryDelay = 20 * time.Millisecond
)

// FileStore keeps events as one JSON object per line. A sidecar flock
// serialises appends and resets across processes.
type FileStore struct {
	path string
	lock *flock.Flock
	log  *zap.SugaredLogger
}

// NewFileStore creates dir if needed and returns a store writing dir/jobs.jsonl.
func NewFileStore(dir string, log *zap.SugaredLogger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if log == nil {
		log = logging.Logger
	}
	path := filepath.Join(dir, jobLogName)
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  log,
	}, nil
}

// Path returns the log file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(ctx context.Context, evt domain.JobEvent) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if err := s.acquire(ctx, false); err != nil {
		return err
	}
	defer s.lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	torn, err := endsMidLine(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("inspect job log: %w", err)
	}
	if torn {
		// a crashed writer left a partial line; terminate it so this event
		// starts on a line of its own
		s.log.Warnw("terminating torn job log line", "path", s.path)
		line = append([]byte{'\n'}, line...)
	}
	// one write per event so a reader never observes half an entry from a
	// cooperating writer
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append job event: %w", err)
	}
	return f.Close()
}

func (s *FileStore) ReadAll(ctx context.Context) ([]domain.JobEvent, error) {
	if err := s.acquire(ctx, true); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	var out []domain.JobEvent
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				evt, derr := decodeEvent(line)
				if derr != nil {
					s.log.Debugw("skipping unreadable job event", "line", lineNo, "error", derr)
				} else {
					out = append(out, evt)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read job log: %w", err)
		}
	}
	return out, nil
}

// endsMidLine reports whether f is non-empty and its last byte is not a newline.
func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Reset replaces the log with an empty file via rename.
func (s *FileStore) Reset(ctx context.Context) error {
	if err := s.acquire(ctx, false); err != nil {
		return err
	}
	defer s.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), jobLogName+".reset-*")
	if err != nil {
		return fmt.Errorf("reset job log: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("reset job log: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) acquire(ctx context.Context, shared bool) error {
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("lock job log: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock job log: not acquired")
	}
	return nil
}
