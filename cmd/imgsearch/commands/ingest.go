package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fly-io/imgsearch/pkg/batch"
	"github.com/fly-io/imgsearch/pkg/db"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/watch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var (
	ingestWatch       bool
	ingestConcurrency int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir|s3://bucket/prefix>",
	Short: "Add many images to the index",
	Long: `Adds every image below a directory or S3 prefix. Each image runs through a
durable state machine; content already in the local history as ready is
skipped. With --watch, images that appear in the directory later are added
as they settle.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolVarP(&ingestWatch, "watch", "w", false, "Keep watching the directory for new images")
	ingestCmd.Flags().IntVarP(&ingestConcurrency, "concurrency", "c", 2, "Images ingested in parallel")
	ingestCmd.Flags().Int("fsm-max-retries", 3, "Retries per state before an image is marked failed")

	viper.BindPFlag("fsm-max-retries", ingestCmd.Flags().Lookup("fsm-max-retries"))
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	target := args[0]
	if ingestWatch && strings.Contains(target, "://") {
		return fmt.Errorf("--watch needs a local directory")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := ensureDirectories([]string{a.cfg.HistoryPath}, []string{a.cfg.FSMDBPath, a.cfg.PreviewDir}); err != nil {
		return err
	}

	repo, err := db.NewRepository(a.cfg.HistoryPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	manager, err := fsm.New(fsm.Config{DBPath: a.cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	ingestor := batch.NewIngestor(batch.Config{
		Repo:       repo,
		Loader:     a.loader,
		Validator:  a.validator,
		Previews:   a.previews,
		Gateway:    a.client,
		MaxRetries: a.cfg.FSMMaxRetries,
	})
	if err := ingestor.Register(ctx, manager); err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	sources, err := batch.Expand(ctx, target, a.s3)
	if err != nil {
		return errors.Wrap(err, "failed to list sources")
	}

	out := cmd.OutOrStdout()
	slog.Info("ingest_start", "target", target, "sources", len(sources), "concurrency", ingestConcurrency)

	results := ingestor.IngestAll(ctx, sources, ingestConcurrency)
	printResults(out, results)

	if !ingestWatch {
		if failed := countStatus(results, db.StatusFailed); failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(results))
		}
		return nil
	}

	var mu sync.Mutex
	watcher := watch.New(target, func(path string) {
		res, err := ingestor.Ingest(ctx, path)
		if err != nil {
			slog.Error("ingest_run_failed", "source", path, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		printResult(out, res)
	})
	if err := watcher.Start(ctx); err != nil {
		return errors.Wrap(err, "watch failed")
	}
	defer watcher.Stop()

	fmt.Fprintf(out, "Watching %s for new images (Ctrl-C to stop)\n", target)
	<-ctx.Done()
	return nil
}

func printResults(out io.Writer, results []*batch.Result) {
	if len(results) == 0 {
		fmt.Fprintln(out, "No images found")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATUS\tREMOTE ID\tDETAIL")
	for _, res := range results {
		fmt.Fprintln(tw, resultRow(res))
	}
	tw.Flush()

	fmt.Fprintf(out, "\n%d ready (%d already indexed), %d failed\n",
		countStatus(results, db.StatusReady), countSkipped(results), countStatus(results, db.StatusFailed))
}

func printResult(out io.Writer, res *batch.Result) {
	fmt.Fprintln(out, strings.ReplaceAll(resultRow(res), "\t", "  "))
}

func resultRow(res *batch.Result) string {
	remote := "-"
	if res.RemoteID != 0 {
		remote = fmt.Sprintf("%d", res.RemoteID)
	}
	detail := res.ErrorMessage
	if res.Skipped {
		detail = "already indexed"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", res.Source, res.Status, remote, detail)
}

func countStatus(results []*batch.Result, status string) int {
	n := 0
	for _, r := range results {
		if r.Status == status {
			n++
		}
	}
	return n
}

func countSkipped(results []*batch.Result) int {
	n := 0
	for _, r := range results {
		if r.Skipped {
			n++
		}
	}
	return n
}
