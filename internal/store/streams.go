package store

import (
	"database/sql"
	"fmt"
	"time"
)

// StreamRepository persists stream configurations.
type StreamRepository struct {
	db *sql.DB
}

const streamColumns = `id, name, url, stream_type, location, target_fps,
	resize_width, resize_height, custom_threshold, custom_window_seconds,
	is_active, status, last_frame_at, last_error, created_at, updated_at`

// Create inserts a new stream record.
func (r *StreamRepository) Create(rec *StreamRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StreamStatusCreated
	}

	_, err := r.db.Exec(`INSERT INTO streams (`+streamColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.URL, rec.Type, rec.Location, rec.TargetFPS,
		rec.ResizeWidth, rec.ResizeHeight, rec.CustomThreshold, rec.CustomWindowSeconds,
		boolToInt(rec.IsActive), rec.Status, rec.LastFrameAt, rec.LastError,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// GetByID returns one stream or ErrStreamNotFound.
func (r *StreamRepository) GetByID(id string) (*StreamRecord, error) {
	row := r.db.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE id = ?`, id)
	rec, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return rec, nil
}

// GetAll returns every stream, newest first.
func (r *StreamRepository) GetAll() ([]*StreamRecord, error) {
	return r.query(`SELECT ` + streamColumns + ` FROM streams ORDER BY created_at DESC`)
}

// GetAllActive returns streams flagged active, newest first.
func (r *StreamRepository) GetAllActive() ([]*StreamRecord, error) {
	return r.query(`SELECT ` + streamColumns + ` FROM streams WHERE is_active = 1 ORDER BY created_at DESC`)
}

func (r *StreamRepository) query(q string, args ...any) ([]*StreamRecord, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []*StreamRecord
	for rows.Next() {
		rec, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a stream.
func (r *StreamRepository) Update(rec *StreamRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := r.db.Exec(`UPDATE streams SET
		name = ?, url = ?, stream_type = ?, location = ?, target_fps = ?,
		resize_width = ?, resize_height = ?, custom_threshold = ?,
		custom_window_seconds = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.URL, rec.Type, rec.Location, rec.TargetFPS,
		rec.ResizeWidth, rec.ResizeHeight, rec.CustomThreshold,
		rec.CustomWindowSeconds, boolToInt(rec.IsActive), rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return requireRow(res, ErrStreamNotFound)
}

// UpdateStatus writes the runtime status fields. lastFrameAt may be nil.
func (r *StreamRepository) UpdateStatus(id, status string, lastFrameAt *time.Time, lastError string) error {
	res, err := r.db.Exec(`UPDATE streams SET
		status = ?,
		last_frame_at = COALESCE(?, last_frame_at),
		last_error = ?,
		updated_at = ?
		WHERE id = ?`,
		status, lastFrameAt, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return requireRow(res, ErrStreamNotFound)
}

// Delete removes a stream row.
func (r *StreamRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return requireRow(res, ErrStreamNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*StreamRecord, error) {
	var rec StreamRecord
	var isActive int
	var lastFrameAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Name, &rec.URL, &rec.Type, &rec.Location,
		&rec.TargetFPS, &rec.ResizeWidth, &rec.ResizeHeight,
		&rec.CustomThreshold, &rec.CustomWindowSeconds,
		&isActive, &rec.Status, &lastFrameAt, &rec.LastError,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.IsActive = isActive != 0
	if lastFrameAt.Valid {
		t := lastFrameAt.Time
		rec.LastFrameAt = &t
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
