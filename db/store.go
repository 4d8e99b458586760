package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/clip-scout/transcript"
)

// Store persists finalized streams and serves transcript queries. It
// implements tracker.StreamStore.
type Store struct {
	DB *sql.DB
}

// EnsureStreamer creates the streamer row if missing.
func (s *Store) EnsureStreamer(ctx context.Context, name string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO streamers (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	return err
}

// UpsertStream writes a finalized stream with all segments and messages.
// Delivering the same stream id twice replaces the previous content, so the
// tracker can safely re-hand a stream after a transient failure.
func (s *Store) UpsertStream(ctx context.Context, streamer string, st *transcript.Stream) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Warn("rollback failed", slog.Any("err", err))
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streamers (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, streamer); err != nil {
		return fmt.Errorf("ensure streamer: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO streams (id, streamer, start_time, live, created_at) VALUES ($1,$2,$3,$4,NOW())
		 ON CONFLICT (id) DO UPDATE SET start_time=EXCLUDED.start_time, live=EXCLUDED.live, updated_at=NOW()`,
		st.ID, streamer, st.Start, st.Live); err != nil {
		return fmt.Errorf("upsert stream: %w", err)
	}
	// Replace children wholesale; messages go with their segments via cascade.
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE stream_id=$1`, st.ID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}
	for i, seg := range st.Segments {
		var segID int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO segments (stream_id, idx, start_time, game) VALUES ($1,$2,$3,$4) RETURNING id`,
			st.ID, i, seg.Start, seg.Game).Scan(&segID); err != nil {
			return fmt.Errorf("insert segment %d: %w", i, err)
		}
		for j, m := range seg.Messages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (segment_id, idx, username, text, offset_seconds) VALUES ($1,$2,$3,$4,$5)`,
				segID, j, m.Username, m.Text, m.SecondsSinceStart); err != nil {
				return fmt.Errorf("insert message %d/%d: %w", i, j, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetStream loads a full stream (segments and messages in order). Returns
// sql.ErrNoRows when the id is unknown.
func (s *Store) GetStream(ctx context.Context, id string) (*transcript.Stream, error) {
	st := &transcript.Stream{}
	if err := s.DB.QueryRowContext(ctx,
		`SELECT id, start_time, live FROM streams WHERE id=$1`, id).
		Scan(&st.ID, &st.Start, &st.Live); err != nil {
		return nil, err
	}
	segRows, err := s.DB.QueryContext(ctx,
		`SELECT id, start_time, game FROM segments WHERE stream_id=$1 ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer closeRows(segRows)
	var segIDs []int64
	for segRows.Next() {
		var segID int64
		seg := transcript.Segment{Messages: []transcript.Message{}}
		if err := segRows.Scan(&segID, &seg.Start, &seg.Game); err != nil {
			return nil, err
		}
		segIDs = append(segIDs, segID)
		st.Segments = append(st.Segments, seg)
	}
	if err := segRows.Err(); err != nil {
		return nil, err
	}
	for i, segID := range segIDs {
		msgRows, err := s.DB.QueryContext(ctx,
			`SELECT username, text, offset_seconds FROM messages WHERE segment_id=$1 ORDER BY idx`, segID)
		if err != nil {
			return nil, err
		}
		for msgRows.Next() {
			var m transcript.Message
			if err := msgRows.Scan(&m.Username, &m.Text, &m.SecondsSinceStart); err != nil {
				closeRows(msgRows)
				return nil, err
			}
			st.Segments[i].Messages = append(st.Segments[i].Messages, m)
		}
		err = msgRows.Err()
		closeRows(msgRows)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

// StreamSummary is a stream listing row without messages.
type StreamSummary struct {
	ID       string           `json:"id"`
	Start    time.Time        `json:"start"`
	Live     bool             `json:"live"`
	Segments []SegmentSummary `json:"segments"`
}

// SegmentSummary is a segment listing row without messages.
type SegmentSummary struct {
	Start time.Time `json:"start"`
	Game  string    `json:"game"`
}

// ListStreams returns a streamer's streams, newest first, without messages.
func (s *Store) ListStreams(ctx context.Context, streamer string, liveOnly bool) ([]StreamSummary, error) {
	q := `SELECT id, start_time, live FROM streams WHERE streamer=$1`
	if liveOnly {
		q += ` AND live`
	}
	q += ` ORDER BY start_time DESC`
	rows, err := s.DB.QueryContext(ctx, q, streamer)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)
	out := make([]StreamSummary, 0)
	for rows.Next() {
		var sum StreamSummary
		if err := rows.Scan(&sum.ID, &sum.Start, &sum.Live); err != nil {
			return nil, err
		}
		sum.Segments = []SegmentSummary{}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		segRows, err := s.DB.QueryContext(ctx,
			`SELECT start_time, game FROM segments WHERE stream_id=$1 ORDER BY idx`, out[i].ID)
		if err != nil {
			return nil, err
		}
		for segRows.Next() {
			var seg SegmentSummary
			if err := segRows.Scan(&seg.Start, &seg.Game); err != nil {
				closeRows(segRows)
				return nil, err
			}
			out[i].Segments = append(out[i].Segments, seg)
		}
		err = segRows.Err()
		closeRows(segRows)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListStreamers returns all known streamer names.
func (s *Store) ListStreamers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name FROM streamers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)
	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err))
	}
}
