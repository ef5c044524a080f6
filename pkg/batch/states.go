package batch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/fly-io/imgsearch/pkg/db"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/workflow"
	"github.com/superfly/fsm"
)

type request = fsm.Request[IngestRequest, IngestResponse]

// handleCheckDB loads the source and skips content already in the history (idempotency)
func (i *Ingestor) handleCheckDB(ctx context.Context, req *request) (*fsm.Response[IngestResponse], error) {
	slog.Info("fsm_state_check_db", "source", req.Msg.Source)

	resp := req.W.Msg
	if resp == nil {
		resp = &IngestResponse{}
	}

	if err := i.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	f, err := i.loader.Load(ctx, req.Msg.Source)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Error("source_not_found", "source", req.Msg.Source)
		return nil, i.fail(req, resp, "source not found")
	}
	if err != nil {
		slog.Error("source_load_failed", "source", req.Msg.Source, "error", err)
		return nil, errors.Wrap(err, "failed to load source")
	}

	// Oversize remote objects arrive without a payload, so reject before hashing.
	if verdict := i.validator.Validate(f.MediaType, f.Size); !verdict.Accepted {
		slog.Warn("source_rejected", "source", req.Msg.Source, "reason", verdict.Reason.String())
		return nil, i.fail(req, resp, verdict.Message())
	}

	resp.SHA256 = f.SHA256()

	existing, err := i.repo.GetBySHA256(resp.SHA256)
	if err != nil {
		slog.Error("database_check_failed", "source", req.Msg.Source, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}

	switch {
	case existing != nil && existing.Status == db.StatusReady:
		slog.Info("ingestion_already_ready", "source", req.Msg.Source, "ingestion_id", existing.ID, "sha256", resp.SHA256[:16]+"...")
		resp.Skipped = true
		resp.IngestionID = existing.ID
		resp.RemoteID = existing.RemoteID
		resp.RemotePath = existing.RemotePath
		resp.OriginalFilename = existing.OriginalFilename
		resp.Status = existing.Status
	case existing != nil && existing.Source == req.Msg.Source:
		slog.Info("ingestion_found_continue", "source", req.Msg.Source, "ingestion_id", existing.ID, "status", existing.Status)
		resp.IngestionID = existing.ID
	case resp.IngestionID == 0:
		rec := &db.Ingestion{
			Source: req.Msg.Source,
			SHA256: resp.SHA256,
			Status: db.StatusPending,
		}
		if err := i.repo.Create(rec); err != nil {
			slog.Error("create_ingestion_failed", "source", req.Msg.Source, "error", err)
			return nil, errors.Wrap(err, "failed to create ingestion record")
		}
		resp.IngestionID = rec.ID
	}

	return fsm.NewResponse(resp), nil
}

// handleSubmit drives an ingestion workflow instance against the add endpoint
func (i *Ingestor) handleSubmit(ctx context.Context, req *request) (*fsm.Response[IngestResponse], error) {
	slog.Info("fsm_state_submit", "source", req.Msg.Source)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Skipped {
		return fsm.NewResponse(resp), nil
	}

	if err := i.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	if err := i.repo.UpdateStatus(resp.IngestionID, db.StatusSubmitting, ""); err != nil {
		slog.Error("status_update_failed", "ingestion_id", resp.IngestionID, "status", db.StatusSubmitting, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}

	f, err := i.loader.Load(ctx, req.Msg.Source)
	if err != nil {
		slog.Error("source_load_failed", "source", req.Msg.Source, "error", err)
		return nil, errors.Wrap(err, "failed to load source")
	}
	if sum := f.SHA256(); sum != resp.SHA256 {
		slog.Warn("source_changed_since_check", "source", req.Msg.Source)
		resp.SHA256 = sum
	}

	snap, err := i.submit(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "submission interrupted")
	}

	if snap.State != workflow.StateSucceeded {
		failure := snap.Failure
		if failure == nil {
			return nil, fsm.Abort(fmt.Errorf("workflow ended in %s", snap.State))
		}

		switch failure.Kind {
		case errors.KindConnectivity, errors.KindServer:
			// Transient: leave the record submitting and let the FSM retry.
			slog.Warn("submission_failed_retrying", "source", req.Msg.Source, "kind", failure.Kind.String(), "message", failure.Message)
			resp.ErrorMessage = failure.Message
			return nil, fmt.Errorf("%s error: %s", failure.Kind, failure.Message)
		default:
			return nil, i.fail(req, resp, failure.Message)
		}
	}

	if snap.Upload != nil {
		resp.RemoteID = snap.Upload.ID
		resp.RemotePath = snap.Upload.Path
		resp.OriginalFilename = snap.Upload.OriginalFilename
	}
	resp.ErrorMessage = ""

	slog.Info("submission_complete", "source", req.Msg.Source, "remote_id", resp.RemoteID)
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the ingestion ready
func (i *Ingestor) handleComplete(ctx context.Context, req *request) (*fsm.Response[IngestResponse], error) {
	slog.Info("fsm_state_complete", "source", req.Msg.Source)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if resp.Skipped {
		resp.Status = db.StatusReady
		i.publish(req.Msg.RunID, resp)
		slog.Info("fsm_complete", "source", req.Msg.Source, "status", resp.Status, "skipped", true)
		return fsm.NewResponse(resp), nil
	}

	if err := i.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	rec, err := i.repo.Get(resp.IngestionID)
	if err != nil {
		slog.Error("failed_to_load_ingestion", "source", req.Msg.Source, "error", err)
		return nil, errors.Wrap(err, "failed to load ingestion")
	}
	if rec == nil {
		slog.Error("ingestion_not_found", "source", req.Msg.Source, "ingestion_id", resp.IngestionID)
		return nil, fsm.Abort(fmt.Errorf("ingestion not found in database"))
	}

	rec.SHA256 = resp.SHA256
	rec.Status = db.StatusReady
	rec.RemoteID = resp.RemoteID
	rec.RemotePath = resp.RemotePath
	rec.OriginalFilename = resp.OriginalFilename
	rec.ErrorMessage = ""
	if err := i.repo.Update(rec); err != nil {
		slog.Error("ingestion_update_failed", "ingestion_id", rec.ID, "error", err)
		return nil, errors.Wrap(err, "failed to update ingestion")
	}
	resp.Status = db.StatusReady

	i.publish(req.Msg.RunID, resp)
	slog.Info("fsm_complete", "source", req.Msg.Source, "status", resp.Status)

	return fsm.NewResponse(resp), nil
}

// submit runs select, confirm and wait on a fresh ingestion instance.
func (i *Ingestor) submit(ctx context.Context, f *media.File) (workflow.Snapshot, error) {
	w := workflow.NewIngestion(i.validator, i.previews, i.gateway)
	defer w.Close()

	if _, err := w.Select(ctx, f); err != nil {
		return workflow.Snapshot{}, err
	}
	if w.State() == workflow.StateFailed {
		return w.Snapshot(), nil
	}

	sub, err := w.Confirm(ctx)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	if err := sub.Wait(ctx); err != nil {
		return workflow.Snapshot{}, err
	}
	return w.Snapshot(), nil
}

// checkRetries aborts the run once the current state has been retried too often.
func (i *Ingestor) checkRetries(ctx context.Context, req *request, resp *IngestResponse) error {
	retryCount := fsm.RetryFromContext(ctx)
	if retryCount <= uint64(i.maxRetries) {
		return nil
	}

	slog.Error("max_retries_exceeded", "source", req.Msg.Source, "max_retries", i.maxRetries)
	msg := fmt.Sprintf("max retries (%d) exceeded", i.maxRetries)
	if resp.ErrorMessage != "" {
		msg += ": " + resp.ErrorMessage
	}
	return i.fail(req, resp, msg)
}

// fail records the failure and returns the abort error that ends the run.
func (i *Ingestor) fail(req *request, resp *IngestResponse, msg string) error {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = msg

	if resp.IngestionID != 0 {
		if err := i.repo.UpdateStatus(resp.IngestionID, db.StatusFailed, msg); err != nil {
			slog.Error("status_update_failed", "ingestion_id", resp.IngestionID, "status", db.StatusFailed, "error", err)
		}
	} else {
		rec := &db.Ingestion{
			Source:       req.Msg.Source,
			SHA256:       resp.SHA256,
			Status:       db.StatusFailed,
			ErrorMessage: msg,
		}
		if err := i.repo.Create(rec); err != nil {
			slog.Error("create_ingestion_failed", "source", req.Msg.Source, "error", err)
		} else {
			resp.IngestionID = rec.ID
		}
	}

	i.publish(req.Msg.RunID, resp)
	return fsm.Abort(fmt.Errorf("ingestion failed: %s", msg))
}

func (i *Ingestor) publish(runID string, resp *IngestResponse) {
	if runID == "" {
		return
	}
	i.results.Store(runID, *resp)
}
