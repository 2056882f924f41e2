// Package database persists the append-only detection log in SQLite.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"cambanzo/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// DetectionRecord is one persisted detection result
type DetectionRecord struct {
	ID         string               `json:"id"`
	CameraID   string               `json:"camera_id"`
	FrameSeq   uint64               `json:"frame_seq"`
	Timestamp  time.Time            `json:"timestamp"`
	ImagePath  string               `json:"image_path"`
	Detections []pipeline.Detection `json:"detections"`
	LatencyMs  float64              `json:"latency_ms"`
}

// New opens (or creates) the database at dbPath
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			frame_seq INTEGER NOT NULL,
			timestamp DATETIME NOT NULL,
			image_path TEXT,
			detections TEXT,
			latency_ms REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_camera_time ON detections(camera_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed")
	return nil
}

// SaveDetection appends a detection record. Records are never updated.
func (d *Database) SaveDetection(rec *DetectionRecord) error {
	detJSON, err := json.Marshal(rec.Detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}

	query := `INSERT INTO detections
		(id, camera_id, frame_seq, timestamp, image_path, detections, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query, rec.ID, rec.CameraID, rec.FrameSeq, rec.Timestamp,
		rec.ImagePath, string(detJSON), rec.LatencyMs)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// ListDetections returns the most recent records, newest first. An empty
// cameraID matches all cameras.
func (d *Database) ListDetections(cameraID string, limit int) ([]*DetectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, camera_id, frame_seq, timestamp, image_path, detections, latency_ms
		FROM detections`
	args := []any{}
	if cameraID != "" {
		query += ` WHERE camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var records []*DetectionRecord
	for rows.Next() {
		var rec DetectionRecord
		var detJSON string
		if err := rows.Scan(&rec.ID, &rec.CameraID, &rec.FrameSeq, &rec.Timestamp,
			&rec.ImagePath, &detJSON, &rec.LatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if detJSON != "" {
			if err := json.Unmarshal([]byte(detJSON), &rec.Detections); err != nil {
				return nil, fmt.Errorf("failed to unmarshal detections: %w", err)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// CountDetections returns the number of stored records for a camera
func (d *Database) CountDetections(cameraID string) (int64, error) {
	var count int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM detections WHERE camera_id = ?`, cameraID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return count, nil
}

// PruneBefore deletes records older than cutoff and returns how many went
func (d *Database) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM detections WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune detections: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
