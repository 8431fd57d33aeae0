package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/logging"
	"pulseline/internal/migrate"
)

// SQLStore keeps events in the job_events table; seq gives a total order.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
	log *zap.SugaredLogger
}

// OpenSQLStore opens dir/jobs.db and applies migrations.
func OpenSQLStore(ctx context.Context, dir string, log *zap.SugaredLogger) (*SQLStore, error) {
	if log == nil {
		log = logging.Logger
	}
	conn, err := db.Open(db.Config{Dir: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLStore{DB: conn, Now: time.Now, log: log}, nil
}

func (s *SQLStore) Append(ctx context.Context, evt domain.JobEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	// seq is assigned by the table
	evt.Seq = 0
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO job_events(event_id,job_id,ts,payload_json) VALUES (?,?,?,?)`,
		evt.EventID, evt.JobID, ts, string(data))
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func (s *SQLStore) ReadAll(ctx context.Context) ([]domain.JobEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq,payload_json FROM job_events ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobEvent
	for rows.Next() {
		var seq int64
		var payload sql.NullString
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		evt, err := decodeEvent([]byte(payload.String))
		if err != nil {
			s.log.Debugw("skipping unreadable job event", "seq", seq, "error", err)
			continue
		}
		evt.Seq = seq
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLStore) Reset(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_events`); err != nil {
		return fmt.Errorf("reset job events: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error { return s.DB.Close() }

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
