// Package workflow implements the select, validate, preview, submit and
// result cycle for one search or ingestion instance.
//
// Each instance owns its state, its selected file and at most one live
// preview handle. Submissions run on their own goroutine; their result is
// applied only if the instance is still submitting for that same
// generation, so a reset or a newer selection always wins over a late
// response.
package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/gateway"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/preview"
	"github.com/fly-io/imgsearch/pkg/validate"
)

// Submitter issues one request to the similarity service.
type Submitter interface {
	Submit(ctx context.Context, endpoint gateway.Endpoint, f *media.File) (*gateway.Response, error)
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithObserver registers fn to receive a snapshot after every transition.
// fn may be called from the goroutine that settles a submission.
func WithObserver(fn func(Snapshot)) Option {
	return func(w *Workflow) { w.observer = fn }
}

// Workflow is one independent workflow instance.
type Workflow struct {
	variant   Variant
	validator *validate.Validator
	previews  preview.Manager
	gateway   Submitter
	observer  func(Snapshot)

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	file       *media.File
	handle     *preview.Handle
	results    []gateway.ImageResult
	upload     *gateway.UploadResult
	failure    *Failure
}

// New creates an idle instance of the given variant.
func New(variant Variant, validator *validate.Validator, previews preview.Manager, gw Submitter, opts ...Option) *Workflow {
	w := &Workflow{
		variant:   variant,
		validator: validator,
		previews:  previews,
		gateway:   gw,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewSearch creates a search instance.
func NewSearch(validator *validate.Validator, previews preview.Manager, gw Submitter, opts ...Option) *Workflow {
	return New(VariantSearch, validator, previews, gw, opts...)
}

// NewIngestion creates an ingestion instance.
func NewIngestion(validator *validate.Validator, previews preview.Manager, gw Submitter, opts ...Option) *Workflow {
	return New(VariantIngestion, validator, previews, gw, opts...)
}

// Select replaces the held file with f. A rejected file moves the instance to
// failed with the rejection message. An accepted one is previewed; the search
// variant then submits it right away and returns the Submission.
func (w *Workflow) Select(ctx context.Context, f *media.File) (*Submission, error) {
	if f == nil {
		return nil, ErrNothingToSubmit
	}

	w.mu.Lock()
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return nil, ErrBusy
	}

	from := w.state
	w.releaseLocked()
	w.clearLocked()

	verdict := w.validator.Validate(f.MediaType, f.Size)
	if !verdict.Accepted {
		slog.Info("workflow_file_rejected",
			"variant", w.variant.String(),
			"name", f.Name,
			"media_type", verdict.MediaType,
			"size", f.Size,
			"reason", verdict.Reason.String(),
		)
		w.failure = &Failure{Kind: errors.KindValidation, Message: verdict.Message()}
		w.transitionLocked(from, StateFailed)
		w.unlockAndNotify()
		return nil, nil
	}

	handle, err := w.previews.Create(f)
	if err != nil {
		slog.Error("workflow_preview_failed", "variant", w.variant.String(), "name", f.Name, "error", err)
		w.failure = &Failure{Kind: errors.KindUnknown, Message: gateway.MessageUnknown}
		w.transitionLocked(from, StateFailed)
		w.unlockAndNotify()
		return nil, nil
	}

	w.file = f
	w.handle = handle
	w.transitionLocked(from, StatePreviewing)

	if w.variant == VariantSearch {
		sub := w.submitLocked(ctx)
		w.unlockAndNotify()
		return sub, nil
	}
	w.unlockAndNotify()
	return nil, nil
}

// Confirm submits the held file. It is valid while previewing, and from failed
// when the file is still held so a failed request can be retried without
// selecting again.
func (w *Workflow) Confirm(ctx context.Context) (*Submission, error) {
	w.mu.Lock()
	switch {
	case w.state == StateSubmitting:
		w.mu.Unlock()
		return nil, ErrBusy
	case w.file == nil:
		w.mu.Unlock()
		return nil, ErrNothingToSubmit
	case w.state != StatePreviewing && w.state != StateFailed:
		w.mu.Unlock()
		return nil, ErrNothingToSubmit
	}

	sub := w.submitLocked(ctx)
	w.unlockAndNotify()
	return sub, nil
}

// Cancel drops the previewed file and returns to idle.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	if w.state != StatePreviewing {
		w.mu.Unlock()
		return ErrNotPreviewing
	}
	w.releaseLocked()
	w.clearLocked()
	w.transitionLocked(StatePreviewing, StateIdle)
	w.unlockAndNotify()
	return nil
}

// Reset returns the instance to idle from any state. An in-flight request is
// abandoned: its context is canceled and its result, if it still arrives, is
// ignored. Reset on an idle instance does nothing.
func (w *Workflow) Reset() {
	w.mu.Lock()
	if w.state == StateIdle {
		w.mu.Unlock()
		return
	}

	from := w.state
	if from == StateSubmitting {
		w.abandonLocked()
	}
	w.releaseLocked()
	w.clearLocked()
	w.transitionLocked(from, StateIdle)
	w.unlockAndNotify()
}

// Close releases everything the instance holds. The instance stays usable.
func (w *Workflow) Close() error {
	w.Reset()
	return nil
}

// State returns the current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Snapshot returns a copy of the observable state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	s := Snapshot{
		Variant:    w.variant,
		State:      w.state,
		Generation: w.generation,
		File:       w.file,
		Preview:    w.handle,
		Upload:     w.upload,
	}
	if w.results != nil {
		s.Results = append([]gateway.ImageResult{}, w.results...)
	}
	if w.failure != nil {
		f := *w.failure
		s.Failure = &f
	}
	return s
}

// submitLocked moves to submitting under a fresh generation and starts the request.
func (w *Workflow) submitLocked(ctx context.Context) *Submission {
	from := w.state

	// Each submission starts from a clean outcome.
	w.results = nil
	w.upload = nil
	w.failure = nil

	w.generation++
	gen := w.generation
	reqCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	sub := newSubmission(gen)
	file := w.file
	w.transitionLocked(from, StateSubmitting)

	go w.run(reqCtx, sub, file)
	return sub
}

func (w *Workflow) run(ctx context.Context, sub *Submission, file *media.File) {
	resp, err := w.gateway.Submit(ctx, w.variant.endpoint(), file)
	sub.finish(w.settle(sub.Generation, resp, err))
}

// settle applies a request outcome if gen is still the active submission.
func (w *Workflow) settle(gen uint64, resp *gateway.Response, err error) bool {
	w.mu.Lock()
	if gen != w.generation || w.state != StateSubmitting {
		slog.Info("workflow_stale_result_ignored",
			"variant", w.variant.String(),
			"generation", gen,
			"current_generation", w.generation,
			"state", w.state.String(),
		)
		w.mu.Unlock()
		return false
	}

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}

	if err == nil && resp == nil {
		err = errors.New(errors.KindUnknown, gateway.MessageMalformed, nil)
	}

	if err != nil {
		w.failure = &Failure{
			Kind:    errors.KindOf(err),
			Message: errors.MessageOf(err, gateway.MessageUnknown),
		}
		slog.Warn("workflow_submission_failed",
			"variant", w.variant.String(),
			"generation", gen,
			"kind", w.failure.Kind.String(),
			"message", w.failure.Message,
		)
		w.transitionLocked(StateSubmitting, StateFailed)
		w.unlockAndNotify()
		return true
	}

	switch w.variant {
	case VariantSearch:
		w.results = resp.Results
		if w.results == nil {
			w.results = []gateway.ImageResult{}
		}
		// Search keeps no preview next to its results.
		w.releaseLocked()
	case VariantIngestion:
		w.upload = resp.Image
	}
	w.transitionLocked(StateSubmitting, StateSucceeded)
	w.unlockAndNotify()
	return true
}

func (w *Workflow) abandonLocked() {
	w.generation++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	slog.Info("workflow_submission_abandoned", "variant", w.variant.String(), "generation", w.generation)
}

// releaseLocked releases the live handle, if any, exactly once.
func (w *Workflow) releaseLocked() {
	if w.handle == nil {
		return
	}
	h := w.handle
	w.handle = nil
	if err := w.previews.Release(h); err != nil {
		slog.Error("workflow_preview_release_failed", "variant", w.variant.String(), "preview", h.ID, "error", err)
	}
}

func (w *Workflow) clearLocked() {
	w.file = nil
	w.results = nil
	w.upload = nil
	w.failure = nil
}

func (w *Workflow) transitionLocked(from, to State) {
	w.state = to
	slog.Info("workflow_transition",
		"variant", w.variant.String(),
		"from", from.String(),
		"to", to.String(),
		"generation", w.generation,
	)
}

// unlockAndNotify releases the lock and hands a snapshot to the observer.
func (w *Workflow) unlockAndNotify() {
	snap := w.snapshotLocked()
	w.mu.Unlock()
	if w.observer != nil {
		w.observer(snap)
	}
}
