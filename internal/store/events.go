package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventRepository persists violence events.
type EventRepository struct {
	db *sql.DB
}

const eventColumns = `id, stream_id, stream_name, start_time, end_time,
	duration_seconds, max_confidence, avg_confidence, min_confidence,
	frame_count, severity, status, clip_path, clip_duration, thumbnail_path,
	person_images, reviewed_at, reviewed_by, notes, created_at`

// Create inserts a freshly opened event.
func (r *EventRepository) Create(ev *Event) error {
	ev.CreatedAt = time.Now().UTC()
	if ev.Status == "" {
		ev.Status = EventStatusPending
	}

	personImages, err := marshalPersonImages(ev.PersonImages)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.StreamID, ev.StreamName, ev.StartTime, ev.EndTime,
		ev.DurationSeconds, ev.MaxConfidence, ev.AvgConfidence, ev.MinConfidence,
		ev.FrameCount, ev.Severity, ev.Status, ev.ClipPath, ev.ClipDuration,
		ev.ThumbnailPath, personImages, ev.ReviewedAt, ev.ReviewedBy, ev.Notes,
		ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// GetByID returns one event or ErrEventNotFound.
func (r *EventRepository) GetByID(id string) (*Event, error) {
	row := r.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// List returns events matching the filter, newest first, plus the total
// match count for pagination.
func (r *EventRepository) List(f EventFilter) ([]*Event, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.StreamID != "" {
		where += " AND stream_id = ?"
		args = append(args, f.StreamID)
	}
	if f.StartAfter != nil {
		where += " AND start_time >= ?"
		args = append(args, *f.StartAfter)
	}
	if f.StartBefore != nil {
		where += " AND start_time <= ?"
		args = append(args, *f.StartBefore)
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + eventColumns + ` FROM events` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	rows, err := r.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

// GetPending returns unreviewed events, newest first.
func (r *EventRepository) GetPending(limit int) ([]*Event, error) {
	events, _, err := r.List(EventFilter{Status: EventStatusPending, Limit: limit})
	return events, err
}

// UpdateStatus applies a review transition. PENDING is the only state a
// transition may leave from; anything else returns ErrTerminalStatus.
func (r *EventRepository) UpdateStatus(id string, status EventStatus, reviewedBy *string, notes string) (*Event, error) {
	if !ValidEventStatus(status) || status == EventStatusPending {
		return nil, fmt.Errorf("invalid target status %q", status)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current EventStatus
	err = tx.QueryRow(`SELECT status FROM events WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read event status: %w", err)
	}
	if current != EventStatusPending {
		return nil, ErrTerminalStatus
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE events SET status = ?, reviewed_at = ?, reviewed_by = ?,
		notes = CASE WHEN ? != '' THEN ? ELSE notes END
		WHERE id = ?`,
		status, now, reviewedBy, notes, notes, id); err != nil {
		return nil, fmt.Errorf("update event status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(id)
}

// Finalize writes end time, score statistics, severity and artifact paths in
// one transaction. It is idempotent only in the sense that the detector
// calls it exactly once per event.
func (r *EventRepository) Finalize(id string, p FinalizeParams) (*Event, error) {
	if len(p.Scores) == 0 {
		return nil, fmt.Errorf("finalize event %s: no scores", id)
	}

	maxS, minS, sum := p.Scores[0], p.Scores[0], 0.0
	for _, v := range p.Scores {
		if v > maxS {
			maxS = v
		}
		if v < minS {
			minS = v
		}
		sum += v
	}
	avg := sum / float64(len(p.Scores))

	personImages, err := marshalPersonImages(p.PersonImages)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var start time.Time
	err = tx.QueryRow(`SELECT start_time FROM events WHERE id = ?`, id).Scan(&start)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}

	end := p.EndTime.UTC()
	if end.Before(start) {
		end = start
	}
	duration := end.Sub(start).Seconds()

	if _, err := tx.Exec(`UPDATE events SET
		end_time = ?, duration_seconds = ?,
		max_confidence = ?, avg_confidence = ?, min_confidence = ?,
		frame_count = ?, severity = ?,
		clip_path = ?, clip_duration = ?, thumbnail_path = ?, person_images = ?
		WHERE id = ?`,
		end, duration, maxS, avg, minS, p.FrameCount, SeverityFor(maxS),
		p.ClipPath, p.ClipDuration, p.ThumbnailPath, personImages, id); err != nil {
		return nil, fmt.Errorf("finalize event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(id)
}

// Statistics aggregates events whose start time falls in the last days.
func (r *EventRepository) Statistics(days int) (*Statistics, error) {
	if days < 1 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats := &Statistics{
		Days:       days,
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}

	err := r.db.QueryRow(`SELECT COUNT(*), COALESCE(MAX(max_confidence), 0),
		COALESCE(AVG(max_confidence), 0)
		FROM events WHERE start_time >= ?`, since).
		Scan(&stats.TotalEvents, &stats.MaxConfidence, &stats.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}

	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM events
		WHERE start_time >= ? GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("group by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sevRows, err := r.db.Query(`SELECT severity, COUNT(*) FROM events
		WHERE start_time >= ? GROUP BY severity`, since)
	if err != nil {
		return nil, fmt.Errorf("group by severity: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var k string
		var n int
		if err := sevRows.Scan(&k, &n); err != nil {
			return nil, err
		}
		stats.BySeverity[k] = n
	}
	return stats, sevRows.Err()
}

func marshalPersonImages(images []string) (*string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("marshal person images: %w", err)
	}
	s := string(data)
	return &s, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var endTime, reviewedAt sql.NullTime
	var personImages sql.NullString
	err := row.Scan(&ev.ID, &ev.StreamID, &ev.StreamName, &ev.StartTime,
		&endTime, &ev.DurationSeconds, &ev.MaxConfidence, &ev.AvgConfidence,
		&ev.MinConfidence, &ev.FrameCount, &ev.Severity, &ev.Status,
		&ev.ClipPath, &ev.ClipDuration, &ev.ThumbnailPath, &personImages,
		&reviewedAt, &ev.ReviewedBy, &ev.Notes, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		t := endTime.Time
		ev.EndTime = &t
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		ev.ReviewedAt = &t
	}
	if personImages.Valid && personImages.String != "" {
		if err := json.Unmarshal([]byte(personImages.String), &ev.PersonImages); err != nil {
			return nil, fmt.Errorf("unmarshal person images: %w", err)
		}
	}
	return &ev, nil
}
