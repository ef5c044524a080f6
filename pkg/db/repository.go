package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/imgsearch/pkg/errors"
	_ "modernc.org/sqlite"
)

const selectColumns = `
	SELECT id, source, sha256, status,
	       remote_id, remote_path, original_filename, error_message, created_at, updated_at
	FROM ingestions`

// Repository provides database operations for the ingestion history
type Repository struct {
	db *sql.DB
}

// NewRepository opens (and creates, if needed) the history database
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Batch runs and the watcher write concurrently; sqlite wants one writer.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new ingestion record
func (r *Repository) Create(rec *Ingestion) error {
	slog.Info("database_create_ingestion", "source", rec.Source, "status", rec.Status)

	query := `
		INSERT INTO ingestions (source, sha256, status, remote_id, remote_path, original_filename, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		rec.Source, rec.SHA256, rec.Status,
		nullInt(rec.RemoteID), nullString(rec.RemotePath), nullString(rec.OriginalFilename), nullString(rec.ErrorMessage))
	if err != nil {
		slog.Error("database_insert_failed", "source", rec.Source, "error", err)
		return errors.Wrap(err, "failed to insert ingestion")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "source", rec.Source, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	rec.ID = id

	slog.Info("database_ingestion_created", "source", rec.Source, "ingestion_id", rec.ID, "status", rec.Status)
	return nil
}

// Get retrieves an ingestion by id
func (r *Repository) Get(id int64) (*Ingestion, error) {
	return r.getOne(selectColumns+` WHERE id = ?`, id)
}

// GetBySHA256 retrieves the most recent ingestion of the given content
func (r *Repository) GetBySHA256(sha string) (*Ingestion, error) {
	slog.Debug("database_query_ingestion", "sha256", sha)
	return r.getOne(selectColumns+` WHERE sha256 = ? ORDER BY id DESC LIMIT 1`, sha)
}

func (r *Repository) getOne(query string, arg any) (*Ingestion, error) {
	rec, err := scanIngestion(r.db.QueryRow(query, arg))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "key", arg, "error", err)
		return nil, errors.Wrap(err, "failed to query ingestion")
	}
	return rec, nil
}

// Update updates an existing ingestion record
func (r *Repository) Update(rec *Ingestion) error {
	slog.Info("database_update_ingestion", "ingestion_id", rec.ID, "source", rec.Source, "status", rec.Status)

	query := `
		UPDATE ingestions
		SET sha256 = ?, status = ?,
		    remote_id = ?, remote_path = ?, original_filename = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		rec.SHA256, rec.Status,
		nullInt(rec.RemoteID), nullString(rec.RemotePath), nullString(rec.OriginalFilename), nullString(rec.ErrorMessage),
		rec.ID)
	if err != nil {
		slog.Error("database_update_failed", "ingestion_id", rec.ID, "source", rec.Source, "error", err)
		return errors.Wrap(err, "failed to update ingestion")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "ingestion_id", rec.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_ingestion_not_found_for_update", "ingestion_id", rec.ID)
		return fmt.Errorf("ingestion not found: id=%d", rec.ID)
	}

	slog.Info("database_ingestion_updated", "ingestion_id", rec.ID, "status", rec.Status)
	return nil
}

// UpdateStatus updates only the status and error message
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "ingestion_id", id, "status", status)

	query := `UPDATE ingestions SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, status, nullString(errorMessage), id)
	if err != nil {
		slog.Error("database_status_update_failed", "ingestion_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	slog.Info("database_status_updated", "ingestion_id", id, "status", status)
	return nil
}

// List retrieves all ingestions, newest first. An empty status lists every row.
func (r *Repository) List(status string) ([]*Ingestion, error) {
	slog.Debug("database_list_ingestions", "status", status)

	query := selectColumns + ` ORDER BY id DESC`
	var args []any
	if status != "" {
		query = selectColumns + ` WHERE status = ? ORDER BY id DESC`
		args = append(args, status)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list ingestions")
	}
	defer rows.Close()

	var records []*Ingestion
	for rows.Next() {
		rec, err := scanIngestion(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "ingestion_count", len(records))
	return records, nil
}

// Delete deletes an ingestion by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_ingestion", "ingestion_id", id)

	_, err := r.db.Exec(`DELETE FROM ingestions WHERE id = ?`, id)
	if err != nil {
		slog.Error("database_delete_failed", "ingestion_id", id, "error", err)
		return errors.Wrap(err, "failed to delete ingestion")
	}

	slog.Info("database_ingestion_deleted", "ingestion_id", id)
	return nil
}

// DeleteFailed removes every failed ingestion and returns how many were removed
func (r *Repository) DeleteFailed() (int64, error) {
	slog.Info("database_delete_failed_ingestions")

	result, err := r.db.Exec(`DELETE FROM ingestions WHERE status = ?`, StatusFailed)
	if err != nil {
		slog.Error("database_delete_failed_failed", "error", err)
		return 0, errors.Wrap(err, "failed to delete failed ingestions")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_failed_ingestions_deleted", "count", n)
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIngestion(s scanner) (*Ingestion, error) {
	var rec Ingestion
	var remotePath, originalFilename, errorMessage sql.NullString
	var remoteID sql.NullInt64

	err := s.Scan(
		&rec.ID, &rec.Source, &rec.SHA256, &rec.Status,
		&remoteID, &remotePath, &originalFilename, &errorMessage,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	rec.RemoteID = remoteID.Int64
	rec.RemotePath = remotePath.String
	rec.OriginalFilename = originalFilename.String
	rec.ErrorMessage = errorMessage.String
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
