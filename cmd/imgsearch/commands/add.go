package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fly-io/imgsearch/pkg/db"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/workflow"
	"github.com/spf13/cobra"
)

var (
	addYes     bool
	addRetries int
)

var addCmd = &cobra.Command{
	Use:   "add <image|s3://bucket/key>",
	Short: "Add an image to the similarity index",
	Long: `Validates and previews the image, asks for confirmation, then uploads it.
Connectivity and server failures are retried up to --retries times without
loading the file again. Successful uploads are recorded in the local history.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().BoolVarP(&addYes, "yes", "y", false, "Submit without asking for confirmation")
	addCmd.Flags().IntVar(&addRetries, "retries", 0, "Retries after a connectivity or server failure")
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	source := args[0]
	f, err := a.loader.Load(ctx, source)
	if err != nil {
		return errors.Wrap(err, "failed to load image")
	}

	w := workflow.NewIngestion(a.validator, a.previews, a.client, workflow.WithObserver(observer))
	defer w.Close()

	out := cmd.OutOrStdout()

	if _, err := w.Select(ctx, f); err != nil {
		return err
	}
	snap := w.Snapshot()
	describeSelection(out, f, snap.Preview)
	if snap.State == workflow.StateFailed {
		return failureError(snap)
	}

	if !addYes {
		if !isInteractive() {
			w.Cancel()
			return fmt.Errorf("not a terminal: pass --yes to submit without confirmation")
		}
		ok, err := confirm(cmd.InOrStdin(), out, fmt.Sprintf("Add %s to the index?", f.Name))
		if err != nil {
			return errors.Wrap(err, "failed to read confirmation")
		}
		if !ok {
			w.Cancel()
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	snap, err = submitWithRetries(ctx, w, addRetries, out)
	if err != nil {
		return err
	}
	if snap.State != workflow.StateSucceeded {
		return failureError(snap)
	}

	printUpload(out, snap)
	recordUpload(a, source, f, snap)
	return nil
}

// submitWithRetries confirms, waits, and re-confirms after transient failures.
func submitWithRetries(ctx context.Context, w *workflow.Workflow, retries int, out io.Writer) (workflow.Snapshot, error) {
	for attempt := 0; ; attempt++ {
		sub, err := w.Confirm(ctx)
		if err != nil {
			return workflow.Snapshot{}, err
		}
		fmt.Fprintln(out, "Uploading...")
		if err := sub.Wait(ctx); err != nil {
			w.Reset()
			return workflow.Snapshot{}, errors.Wrap(err, "upload interrupted")
		}

		snap := w.Snapshot()
		if snap.State == workflow.StateSucceeded || attempt >= retries || !retryable(snap.Failure) {
			return snap, nil
		}

		delay := time.Duration(attempt+1) * time.Second
		fmt.Fprintf(out, "%s, retrying in %s (%d/%d)\n", snap.Failure.Message, delay, attempt+1, retries)
		select {
		case <-ctx.Done():
			return snap, nil
		case <-time.After(delay):
		}
	}
}

func retryable(f *workflow.Failure) bool {
	return f != nil && (f.Kind == errors.KindConnectivity || f.Kind == errors.KindServer)
}

func printUpload(out io.Writer, snap workflow.Snapshot) {
	u := snap.Upload
	if u == nil {
		fmt.Fprintln(out, "Added.")
		return
	}
	fmt.Fprintln(out, "Added to the index:")
	fmt.Fprintf(out, "  ID:       %d\n", u.ID)
	fmt.Fprintf(out, "  File:     %s\n", u.OriginalFilename)
	fmt.Fprintf(out, "  SHA-256:  %s\n", u.SHA256)
	if u.Path != "" {
		fmt.Fprintf(out, "  Path:     %s\n", u.Path)
	}
}

// recordUpload appends the upload to the local history. Failing to record
// does not undo a successful upload, so errors are only logged.
func recordUpload(a *app, source string, f *media.File, snap workflow.Snapshot) {
	if err := ensureDirectories([]string{a.cfg.HistoryPath}, nil); err != nil {
		slog.Warn("history_unavailable", "error", err)
		return
	}
	repo, err := db.NewRepository(a.cfg.HistoryPath)
	if err != nil {
		slog.Warn("history_unavailable", "error", err)
		return
	}
	defer repo.Close()

	rec := &db.Ingestion{
		Source: source,
		SHA256: f.SHA256(),
		Status: db.StatusReady,
	}
	if u := snap.Upload; u != nil {
		rec.RemoteID = u.ID
		rec.RemotePath = u.Path
		rec.OriginalFilename = u.OriginalFilename
	}
	if err := repo.Create(rec); err != nil {
		slog.Warn("history_record_failed", "source", source, "error", err)
	}
}
