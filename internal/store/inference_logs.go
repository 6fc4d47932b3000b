package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InferenceLogRepository persists per-tick inference rows. Writes are
// best-effort from the pipeline's point of view.
type InferenceLogRepository struct {
	db *sql.DB
}

// Insert writes one inference row.
func (r *InferenceLogRepository) Insert(l *InferenceLog) error {
	l.CreatedAt = time.Now().UTC()
	res, err := r.db.Exec(`INSERT INTO inference_logs
		(stream_id, violence_score, smoothed_score, inference_ms, frame_count,
		 window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.StreamID, l.ViolenceScore, l.SmoothedScore, l.InferenceMs,
		l.FrameCount, l.WindowStart, l.WindowEnd, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert inference log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// Recent returns the newest rows for one stream.
func (r *InferenceLogRepository) Recent(streamID string, limit int) ([]*InferenceLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.Query(`SELECT id, stream_id, violence_score, smoothed_score,
		inference_ms, frame_count, window_start, window_end, created_at
		FROM inference_logs WHERE stream_id = ?
		ORDER BY window_end DESC LIMIT ?`, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inference logs: %w", err)
	}
	defer rows.Close()

	var out []*InferenceLog
	for rows.Next() {
		var l InferenceLog
		if err := rows.Scan(&l.ID, &l.StreamID, &l.ViolenceScore, &l.SmoothedScore,
			&l.InferenceMs, &l.FrameCount, &l.WindowStart, &l.WindowEnd, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inference log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the cutoff and returns the count removed.
func (r *InferenceLogRepository) Prune(olderThan time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM inference_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inference logs: %w", err)
	}
	return res.RowsAffected()
}
