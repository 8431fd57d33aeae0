// Package tail reads newly appended text from a growing log file one bounded
// chunk at a time.
package tail

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Cursor is the persisted scan position for one file.
type Cursor struct {
	LogPath string `json:"log_path"`
	Pos     int64  `json:"pos"`
}

// Result describes one poll.
type Result struct {
	// Found is false when the file does not exist yet; the cursor is left alone.
	Found bool
	// Rotated is set when the path changed or the file shrank below the cursor.
	Rotated bool
	Size    int64
	Text    string
	// BytesRead can be smaller than Size-Pos when the per-tick cap applies.
	BytesRead int64
}

// Lines splits Text into non-empty lines.
func (r Result) Lines() []string {
	if r.Text == "" {
		return nil
	}
	raw := strings.Split(r.Text, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Poll reads what was appended to path since cur, at most maxBytes.
//
// A new path or a file smaller than cur.Pos resets the position to
// max(0, size-maxBytes) before reading. After reading, the position moves to
// the current size even when the cap truncated the read, so a fast-growing
// file never makes a single poll loop.
func Poll(cur Cursor, path string, maxBytes int64) (Cursor, Result, error) {
	if maxBytes <= 0 {
		return cur, Result{}, fmt.Errorf("max bytes per tick must be positive")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cur, Result{Found: false}, nil
		}
		return cur, Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return cur, Result{}, fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()
	res := Result{Found: true, Size: size}

	next := cur
	if cur.LogPath != path || size < cur.Pos {
		res.Rotated = true
		next = Cursor{LogPath: path, Pos: max(0, size-maxBytes)}
	}
	if size == next.Pos {
		return next, res, nil
	}

	n := min(maxBytes, size-next.Pos)
	f, err := os.Open(path)
	if err != nil {
		return cur, Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, next.Pos)
	if err != nil && !errors.Is(err, io.EOF) {
		return cur, Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	res.Text = string(buf[:read])
	res.BytesRead = int64(read)
	next.Pos = size
	return next, res, nil
}
