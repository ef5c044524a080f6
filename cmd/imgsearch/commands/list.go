package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/imgsearch/pkg/db"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/spf13/cobra"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested images and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show records with this status (pending, submitting, ready, failed)")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories([]string{cfg.HistoryPath}, nil); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	records, err := repo.List(listStatus)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	printHistory(cmd.OutOrStdout(), records)
	return nil
}

func printHistory(out io.Writer, records []*db.Ingestion) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No ingestions found")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTATUS\tREMOTE ID\tSHA256\tUPDATED")
	for _, rec := range records {
		remote := "-"
		if rec.RemoteID != 0 {
			remote = fmt.Sprintf("%d", rec.RemoteID)
		}
		sha := rec.SHA256
		if len(sha) > 12 {
			sha = sha[:12]
		}
		if sha == "" {
			sha = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Source, rec.Status, remote, sha, when(rec.UpdatedAt))
	}
	tw.Flush()
}

// when renders a stored timestamp relative to now, or as stored if it does not parse.
func when(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, ts); err == nil {
			return humanize.Time(t)
		}
	}
	return ts
}
