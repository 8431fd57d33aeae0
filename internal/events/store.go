// Package events persists job events in an append-only log.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/logging"
)

// Store is an append-only job event log.
//
// Append records one event durably. ReadAll returns every readable event in
// append order; corrupt entries are skipped. Reset discards all events at once.
type Store interface {
	Append(ctx context.Context, evt domain.JobEvent) error
	ReadAll(ctx context.Context) ([]domain.JobEvent, error)
	Reset(ctx context.Context) error
	Close() error
}

// Open returns the store selected by backend rooted at dir.
func Open(ctx context.Context, backend, dir string, log *zap.SugaredLogger) (Store, error) {
	log = logging.Named(log, "events")
	switch backend {
	case "", config.BackendJSONL:
		return NewFileStore(dir, log)
	case config.BackendSQLite:
		return OpenSQLStore(ctx, dir, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// decodeEvent parses one persisted event. Lines without a jobId are rejected.
func decodeEvent(data []byte) (domain.JobEvent, error) {
	var evt domain.JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return domain.JobEvent{}, err
	}
	if evt.JobID == "" {
		return domain.JobEvent{}, fmt.Errorf("event missing jobId")
	}
	return evt, nil
}
