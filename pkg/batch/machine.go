// Package batch implements durable bulk ingestion. Every source runs through
// its own superfly/fsm run that deduplicates by content checksum, drives an
// ingestion workflow instance and records the outcome in the local history.
package batch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fly-io/imgsearch/pkg/db"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/preview"
	"github.com/fly-io/imgsearch/pkg/validate"
	"github.com/fly-io/imgsearch/pkg/workflow"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
	"golang.org/x/sync/errgroup"
)

// Config holds the dependencies of an Ingestor.
type Config struct {
	Repo       *db.Repository
	Loader     media.Loader
	Validator  *validate.Validator
	Previews   preview.Manager
	Gateway    workflow.Submitter
	MaxRetries int
}

// Ingestor holds dependencies for FSM transitions
type Ingestor struct {
	repo       *db.Repository
	loader     media.Loader
	validator  *validate.Validator
	previews   preview.Manager
	gateway    workflow.Submitter
	maxRetries int

	manager *fsm.Manager
	start   fsm.Start[IngestRequest, IngestResponse]

	// results carries the final response of each run back to Ingest.
	results sync.Map
}

// NewIngestor creates a new ingestor. Register must be called before Ingest.
func NewIngestor(cfg Config) *Ingestor {
	return &Ingestor{
		repo:       cfg.Repo,
		loader:     cfg.Loader,
		validator:  cfg.Validator,
		previews:   cfg.Previews,
		gateway:    cfg.Gateway,
		maxRetries: cfg.MaxRetries,
	}
}

// Register registers the ingestion FSM with manager
func (i *Ingestor) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[IngestRequest, IngestResponse](manager, "image-ingest").
		Start(StateCheckDB, i.handleCheckDB).
		To(StateSubmit, i.handleSubmit).
		To(StateComplete, i.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return errors.Wrap(err, "failed to register FSM")
	}

	i.manager = manager
	i.start = start
	return nil
}

// Ingest runs one source through the FSM and waits for its outcome. A
// rejected or failed image is reported in the Result; the error is reserved
// for runs that could not be started or awaited.
func (i *Ingestor) Ingest(ctx context.Context, source string) (*Result, error) {
	if i.start == nil {
		return nil, fmt.Errorf("ingestor is not registered")
	}

	runID := uuid.NewString()
	req := &IngestRequest{RunID: runID, Source: source}
	resp := &IngestResponse{}

	version, err := i.start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return nil, errors.Wrap(err, "FSM start failed")
	}

	slog.Info("ingest_run_started", "source", source, "run_id", runID, "version", version)

	waitErr := i.manager.Wait(ctx, version)
	if v, ok := i.results.LoadAndDelete(runID); ok {
		return &Result{Source: source, IngestResponse: v.(IngestResponse)}, nil
	}
	if waitErr != nil {
		return nil, errors.Wrap(waitErr, "FSM execution failed")
	}
	return &Result{Source: source, IngestResponse: *resp}, nil
}

// IngestAll ingests sources with at most concurrency runs in flight. Results
// keep the order of sources.
func (i *Ingestor) IngestAll(ctx context.Context, sources []string, concurrency int) []*Result {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]*Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for idx, source := range sources {
		g.Go(func() error {
			res, err := i.Ingest(gctx, source)
			if err != nil {
				slog.Error("ingest_run_failed", "source", source, "error", err)
				res = &Result{Source: source, IngestResponse: IngestResponse{
					Status:       db.StatusFailed,
					ErrorMessage: err.Error(),
				}}
			}
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Lister lists object references under a remote prefix.
type Lister interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Expand turns target into the sources to ingest: a single file, every image
// below a local directory, or every image under an s3:// prefix. Non-image
// names are skipped.
func Expand(ctx context.Context, target string, lister Lister) ([]string, error) {
	if strings.Contains(target, "://") {
		if lister == nil {
			return nil, fmt.Errorf("no lister for %q", target)
		}
		refs, err := lister.ListObjects(ctx, target)
		if err != nil {
			return nil, err
		}
		return filterImages(refs), nil
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat target")
	}
	if !info.IsDir() {
		return []string{target}, nil
	}

	var paths []string
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != target && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to walk directory")
	}

	sort.Strings(paths)
	return filterImages(paths), nil
}

func filterImages(refs []string) []string {
	var out []string
	for _, ref := range refs {
		if media.HasImageExtension(ref) {
			out = append(out, ref)
		}
	}
	return out
}
