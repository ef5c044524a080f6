package workflow

import (
	stderrors "errors"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/gateway"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/preview"
)

// State is the state of one workflow instance.
type State int

const (
	StateIdle State = iota
	StatePreviewing
	StateSubmitting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewing:
		return "previewing"
	case StateSubmitting:
		return "submitting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Variant selects the endpoint and the small behavioral differences between
// the search and ingestion workflows.
type Variant int

const (
	// VariantSearch submits as soon as a file is accepted and discards its
	// preview once results arrive.
	VariantSearch Variant = iota
	// VariantIngestion waits for Confirm and keeps its preview next to the
	// confirmation record.
	VariantIngestion
)

func (v Variant) String() string {
	if v == VariantIngestion {
		return "ingestion"
	}
	return "search"
}

func (v Variant) endpoint() gateway.Endpoint {
	if v == VariantIngestion {
		return gateway.EndpointAdd
	}
	return gateway.EndpointSearch
}

var (
	// ErrBusy is returned for a selection or submission while a request is in flight.
	ErrBusy = stderrors.New("workflow: a submission is in flight")
	// ErrNothingToSubmit is returned by Confirm when no file is held.
	ErrNothingToSubmit = stderrors.New("workflow: no file to submit")
	// ErrNotPreviewing is returned by Cancel outside the previewing state.
	ErrNotPreviewing = stderrors.New("workflow: not previewing")
)

// Failure is what the failed state displays.
type Failure struct {
	Kind    errors.Kind
	Message string
}

// Snapshot is a consistent copy of an instance's observable state.
type Snapshot struct {
	Variant    Variant
	State      State
	Generation uint64

	File    *media.File
	Preview *preview.Handle

	// Results is set in StateSucceeded for the search variant, possibly empty.
	Results []gateway.ImageResult

	// Upload is set in StateSucceeded for the ingestion variant.
	Upload *gateway.UploadResult

	Failure *Failure
}
