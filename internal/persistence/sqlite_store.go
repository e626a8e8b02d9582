package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/omrdash/upload-agent/internal/queue"
	"github.com/omrdash/upload-agent/internal/upload"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore persists upload queue jobs so a restarted agent recovers
// its queue.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*queue.UploadJob, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, file_paths_json, file_name, total_bytes, upload_type, task_id, notes,
			profile_id, alignment_mode, status, progress, bytes_uploaded, batch_id, error,
			created_at, updated_at
		 FROM upload_jobs
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*queue.UploadJob, 0)
	for rows.Next() {
		var item queue.UploadJob
		var filePathsJSON string
		var mode string
		var status string
		if err := rows.Scan(
			&item.ID,
			&filePathsJSON,
			&item.FileName,
			&item.TotalBytes,
			&mode,
			&item.TaskID,
			&item.Notes,
			&item.ProfileID,
			&item.AlignmentMode,
			&status,
			&item.Progress,
			&item.BytesUploaded,
			&item.BatchID,
			&item.Error,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(filePathsJSON), &item.FilePaths); err != nil {
			return nil, fmt.Errorf("decode file paths for job %s: %w", item.ID, err)
		}
		item.Mode = upload.Mode(mode)
		item.Status = queue.Status(status)
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *queue.UploadJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	filePathsJSON, err := json.Marshal(job.FilePaths)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO upload_jobs (
			id, file_paths_json, file_name, total_bytes, upload_type, task_id, notes,
			profile_id, alignment_mode, status, progress, bytes_uploaded, batch_id, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_paths_json=excluded.file_paths_json,
			file_name=excluded.file_name,
			total_bytes=excluded.total_bytes,
			upload_type=excluded.upload_type,
			task_id=excluded.task_id,
			notes=excluded.notes,
			profile_id=excluded.profile_id,
			alignment_mode=excluded.alignment_mode,
			status=excluded.status,
			progress=excluded.progress,
			bytes_uploaded=excluded.bytes_uploaded,
			batch_id=excluded.batch_id,
			error=excluded.error,
			updated_at=excluded.updated_at`,
		job.ID,
		string(filePathsJSON),
		job.FileName,
		job.TotalBytes,
		string(job.Mode),
		job.TaskID,
		job.Notes,
		job.ProfileID,
		job.AlignmentMode,
		string(job.Status),
		job.Progress,
		job.BytesUploaded,
		job.BatchID,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_jobs WHERE id = ?`, jobID)
	return err
}
