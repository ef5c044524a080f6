package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/render"
	"github.com/fly-io/imgsearch/pkg/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var searchCmd = &cobra.Command{
	Use:   "search <image|s3://bucket/key>",
	Short: "Find images similar to the given one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().Bool("probe-results", true, "Check that each result image loads, substituting a placeholder if not")
	searchCmd.Flags().String("fallback-image", render.DefaultFallbackImage, "Placeholder for result images that fail to load")
	searchCmd.Flags().Int("probe-concurrency", 4, "Result images probed in parallel")

	viper.BindPFlag("probe-results", searchCmd.Flags().Lookup("probe-results"))
	viper.BindPFlag("fallback-image", searchCmd.Flags().Lookup("fallback-image"))
	viper.BindPFlag("probe-concurrency", searchCmd.Flags().Lookup("probe-concurrency"))
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := a.loader.Load(ctx, args[0])
	if err != nil {
		return errors.Wrap(err, "failed to load image")
	}

	w := workflow.NewSearch(a.validator, a.previews, a.client, workflow.WithObserver(observer))
	defer w.Close()

	out := cmd.OutOrStdout()

	sub, err := w.Select(ctx, f)
	if err != nil {
		return err
	}
	snap := w.Snapshot()
	describeSelection(out, f, snap.Preview)
	if sub == nil {
		return failureError(snap)
	}

	fmt.Fprintln(out, "Searching...")
	if err := sub.Wait(ctx); err != nil {
		w.Reset()
		return errors.Wrap(err, "search interrupted")
	}

	snap = w.Snapshot()
	if snap.State != workflow.StateSucceeded {
		return failureError(snap)
	}

	opts := []render.Option{
		render.WithFallback(a.cfg.FallbackImage),
		render.WithConcurrency(a.cfg.ProbeConcurrency),
	}
	if a.cfg.ProbeResults {
		opts = append(opts, render.WithProber(render.NewHTTPProber(nil)))
	}
	outcome := render.New(a.client, opts...).Render(ctx, snap.Results)

	printOutcome(out, outcome)
	return nil
}

func printOutcome(w io.Writer, o render.Outcome) {
	if o.Empty {
		fmt.Fprintln(w, o.Message())
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tID\tSIMILARITY\tDISTANCE\tIMAGE")
	for _, item := range o.Items {
		image := item.ImageURL
		if item.Fallback {
			image += " (placeholder)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", item.Rank, item.ID, item.Similarity, item.Distance, image)
	}
	tw.Flush()
}
