package batch

// IngestRequest is the FSM input
type IngestRequest struct {
	RunID  string
	Source string
}

// IngestResponse is the FSM output (accumulated across transitions)
type IngestResponse struct {
	// From CheckDB
	IngestionID int64
	SHA256      string
	Skipped     bool

	// From Submit
	RemoteID         int64
	RemotePath       string
	OriginalFilename string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB  = "check_db"
	StateSubmit   = "submit"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Result is the outcome of one ingestion run.
type Result struct {
	Source string
	IngestResponse
}
