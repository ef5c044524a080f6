package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is raised to debug by --verbose.
var LogLevel = new(slog.LevelVar)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "imgsearch",
	Short: "Image similarity search client",
	Long: `Searches an image similarity service for images like a given one, and
adds images to its index, one at a time or in bulk.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			LogLevel.Set(slog.LevelDebug)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("base-url", "http://localhost:8000", "Similarity service base URL")
	rootCmd.PersistentFlags().Duration("request-timeout", 0, "Per-request timeout (0 = none)")
	rootCmd.PersistentFlags().Int64("max-file-size", 10*1024*1024, "Max image size in bytes")
	rootCmd.PersistentFlags().String("history-path", ".artifacts/history.db", "SQLite ingestion history path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	rootCmd.PersistentFlags().String("preview-dir", "", "Directory for preview files (default: OS temp dir)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// sources")
	rootCmd.PersistentFlags().Bool("s3-anonymous", false, "Access S3 without credentials")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	for _, name := range []string{
		"base-url", "request-timeout", "max-file-size", "history-path", "fsm-db-path",
		"preview-dir", "s3-region", "s3-anonymous", "metrics-addr",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
