package db

// Schema defines the SQLite schema for the local ingestion history.
// Rows are looked up by content checksum so a batch never re-submits an
// image the service already holds.
const Schema = `
CREATE TABLE IF NOT EXISTS ingestions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'submitting', 'ready', 'failed')),
    remote_id INTEGER,
    remote_path TEXT,
    original_filename TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ingestions_sha256 ON ingestions(sha256);
CREATE INDEX IF NOT EXISTS idx_ingestions_source ON ingestions(source);
CREATE INDEX IF NOT EXISTS idx_ingestions_status ON ingestions(status);
`

// Status constants
const (
	StatusPending    = "pending"
	StatusSubmitting = "submitting"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Ingestion is one image submitted to the add endpoint
type Ingestion struct {
	ID               int64
	Source           string
	SHA256           string
	Status           string
	RemoteID         int64
	RemotePath       string
	OriginalFilename string
	ErrorMessage     string
	CreatedAt        string
	UpdatedAt        string
}
