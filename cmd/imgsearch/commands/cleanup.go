package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/fly-io/imgsearch/pkg/db"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/preview"
	"github.com/spf13/cobra"
)

var (
	cleanupFailed    bool
	cleanupPreviews  bool
	cleanupOlderThan time.Duration
	cleanupIDs       []int64
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove failed history records and leftover preview files",
	Long: `Clean up local state:
  --failed           Delete failed records from the ingestion history
  --previews         Delete preview files left behind by interrupted runs
  --id N             Delete the history record with id N (repeatable)`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Delete failed ingestion records")
	cleanupCmd.Flags().BoolVar(&cleanupPreviews, "previews", false, "Delete stale preview files")
	cleanupCmd.Flags().Int64SliceVar(&cleanupIDs, "id", nil, "Delete the history record with this id")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", time.Hour, "Minimum age of preview files to delete")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupFailed && !cleanupPreviews && len(cleanupIDs) == 0 {
		return fmt.Errorf("must specify at least one of --failed, --previews or --id")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cleanupFailed || len(cleanupIDs) > 0 {
		if err := ensureDirectories([]string{cfg.HistoryPath}, nil); err != nil {
			return err
		}
		repo, err := db.NewRepository(cfg.HistoryPath)
		if err != nil {
			return errors.Wrap(err, "db init failed")
		}
		defer repo.Close()

		if err := purgeHistory(repo, cleanupFailed, cleanupIDs, out); err != nil {
			return err
		}
	}

	if cleanupPreviews {
		n, err := preview.RemoveStale(cfg.PreviewDir, cleanupOlderThan)
		if err != nil {
			return errors.Wrap(err, "preview cleanup failed")
		}
		fmt.Fprintf(out, "Removed %d stale preview files\n", n)
	}

	return nil
}

// purgeHistory removes the named records, then every failed one when failed is set.
func purgeHistory(repo *db.Repository, failed bool, ids []int64, out io.Writer) error {
	for _, id := range ids {
		rec, err := repo.Get(id)
		if err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		if rec == nil {
			fmt.Fprintf(out, "No record with id %d\n", id)
			continue
		}
		if err := repo.Delete(id); err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		fmt.Fprintf(out, "Removed record %d (%s)\n", id, rec.Source)
	}

	if failed {
		n, err := repo.DeleteFailed()
		if err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		fmt.Fprintf(out, "Removed %d failed records\n", n)
	}
	return nil
}
