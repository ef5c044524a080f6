package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/imgsearch/internal/config"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/gateway"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/fly-io/imgsearch/pkg/preview"
	"github.com/fly-io/imgsearch/pkg/storage"
	"github.com/fly-io/imgsearch/pkg/validate"
	"github.com/fly-io/imgsearch/pkg/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
)

// app bundles the components every workflow command needs.
type app struct {
	cfg       *config.Config
	client    *gateway.Client
	s3        *storage.Client
	loader    *media.Router
	validator *validate.Validator
	previews  *preview.ThumbnailManager

	metrics *http.Server
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	metrics, err := gateway.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, errors.Wrap(err, "metrics init failed")
	}

	client, err := gateway.NewClient(gateway.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.RequestTimeout,
		Metrics: metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gateway init failed")
	}

	s3Client, err := storage.NewClient(ctx, storage.Options{
		Region:        cfg.S3Region,
		Anonymous:     cfg.S3Anonymous,
		MaxObjectSize: cfg.MaxFileSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}

	loader := media.NewRouter()
	loader.Handle(storage.Scheme, s3Client)

	a := &app{
		cfg:       cfg,
		client:    client,
		s3:        s3Client,
		loader:    loader,
		validator: validate.NewValidator(cfg.MaxFileSize),
		previews:  preview.NewThumbnailManager(cfg.PreviewDir, cfg.PreviewMaxDimension),
	}
	a.serveMetrics()
	return a, nil
}

// serveMetrics exposes /metrics when metrics-addr is set.
func (a *app) serveMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics_server_start", "addr", a.cfg.MetricsAddr)
		if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics_server_failed", "addr", a.cfg.MetricsAddr, "error", err)
		}
	}()
}

func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
}

// observer logs every workflow transition at debug level.
func observer(s workflow.Snapshot) {
	slog.Debug("workflow_snapshot",
		"variant", s.Variant.String(),
		"state", s.State.String(),
		"generation", s.Generation,
	)
}

// signalContext is canceled on interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ensureDirectories creates the parent directory of each file path and each directory path
func ensureDirectories(files []string, dirs []string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f), 0755); err != nil {
			return errors.Wrap(err, "failed to create directory for "+f)
		}
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+d)
		}
	}
	return nil
}

// describeSelection prints the selected file and its preview.
func describeSelection(w io.Writer, f *media.File, h *preview.Handle) {
	fmt.Fprintf(w, "File:     %s (%s, %s)\n", f.Name, displayType(f.MediaType), humanize.IBytes(uint64(f.Size)))
	if h == nil {
		return
	}
	if h.Width > 0 {
		fmt.Fprintf(w, "Preview:  %s (%dx%d)\n", h.Path, h.Width, h.Height)
	} else {
		fmt.Fprintf(w, "Preview:  %s\n", h.Path)
	}
	if h.Camera != "" {
		fmt.Fprintf(w, "Camera:   %s\n", h.Camera)
	}
	if !h.DateTaken.IsZero() {
		fmt.Fprintf(w, "Taken:    %s (%s)\n", h.DateTaken.Format(time.DateTime), humanize.Time(h.DateTaken))
	}
}

func displayType(mediaType string) string {
	if mediaType == "" {
		return validate.UnknownTypeLabel
	}
	return mediaType
}

// failureError turns a failed snapshot into the command's error.
func failureError(s workflow.Snapshot) error {
	if s.Failure == nil {
		return fmt.Errorf("%s ended in state %s", s.Variant, s.State)
	}
	return errors.New(s.Failure.Kind, s.Failure.Message, nil)
}

// isInteractive is swapped in tests.
var isInteractive = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirm asks a yes/no question; anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	if _, err := fmt.Fprintf(out, "%s [y/N]: ", prompt); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
