// Package preview owns the transient display resource derived from a selected
// file. Every handle created must be released exactly once.
package preview

import (
	"bytes"
	stderrors "errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// FilePrefix prefixes every preview file written to disk.
const FilePrefix = "imgsearch-preview-"

// DefaultMaxDimension bounds the thumbnail width and height.
const DefaultMaxDimension = 256

// ErrNotLive is returned when releasing a handle that is unknown or already released.
var ErrNotLive = stderrors.New("preview handle is not live")

// Handle is a live, displayable reference to a selected file.
type Handle struct {
	ID   string
	Path string

	// Width and Height of the source image; zero when it could not be decoded.
	Width  int
	Height int

	// Thumbnail is false when Path holds the raw payload instead of a scaled PNG.
	Thumbnail bool

	Camera    string
	DateTaken time.Time
}

// Manager creates and releases preview handles.
type Manager interface {
	Create(f *media.File) (*Handle, error)
	Release(h *Handle) error
}

// ThumbnailManager writes a downscaled PNG per handle into a directory.
type ThumbnailManager struct {
	dir          string
	maxDimension int

	mu   sync.Mutex
	live map[string]*Handle
}

// NewThumbnailManager creates a manager writing into dir (os.TempDir when empty).
func NewThumbnailManager(dir string, maxDimension int) *ThumbnailManager {
	if dir == "" {
		dir = os.TempDir()
	}
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &ThumbnailManager{
		dir:          dir,
		maxDimension: maxDimension,
		live:         make(map[string]*Handle),
	}
}

// Create decodes f and writes its preview. Undecodable payloads are written
// as-is so creation only fails on I/O.
func (m *ThumbnailManager) Create(f *media.File) (*Handle, error) {
	h := &Handle{ID: uuid.NewString()}

	var (
		payload []byte
		ext     = strings.ToLower(filepath.Ext(f.Name))
	)

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		slog.Warn("preview_decode_failed", "name", f.Name, "media_type", f.MediaType, "error", err)
		payload = f.Data
	} else {
		bounds := img.Bounds()
		h.Width, h.Height = bounds.Dx(), bounds.Dy()

		var buf bytes.Buffer
		if err := png.Encode(&buf, m.scale(img)); err != nil {
			return nil, errors.Wrap(err, "failed to encode thumbnail")
		}
		payload = buf.Bytes()
		h.Thumbnail = true
		ext = ".png"
	}

	// EXIF is only worth reading for camera output.
	if f.MediaType == "image/jpeg" {
		if meta, err := imagemeta.Decode(bytes.NewReader(f.Data)); err == nil {
			h.Camera = strings.TrimSpace(strings.TrimSpace(meta.Make) + " " + strings.TrimSpace(meta.Model))
			h.DateTaken = meta.DateTimeOriginal()
		}
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create preview directory")
	}
	out, err := os.CreateTemp(m.dir, FilePrefix+"*"+ext)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create preview file")
	}
	if _, err := out.Write(payload); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, errors.Wrap(err, "failed to write preview file")
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, errors.Wrap(err, "failed to close preview file")
	}
	h.Path = out.Name()

	m.mu.Lock()
	m.live[h.ID] = h
	m.mu.Unlock()

	slog.Debug("preview_created", "id", h.ID, "path", h.Path, "thumbnail", h.Thumbnail, "width", h.Width, "height", h.Height)
	return h, nil
}

// Release removes the preview file. Releasing twice returns ErrNotLive.
func (m *ThumbnailManager) Release(h *Handle) error {
	if h == nil {
		return ErrNotLive
	}

	m.mu.Lock()
	if _, ok := m.live[h.ID]; !ok {
		m.mu.Unlock()
		return ErrNotLive
	}
	delete(m.live, h.ID)
	m.mu.Unlock()

	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		slog.Error("preview_release_failed", "id", h.ID, "path", h.Path, "error", err)
		return errors.Wrap(err, "failed to remove preview file")
	}

	slog.Debug("preview_released", "id", h.ID, "path", h.Path)
	return nil
}

// Live returns the number of handles not yet released.
func (m *ThumbnailManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *ThumbnailManager) scale(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := thumbnailDimensions(bounds.Dx(), bounds.Dy(), m.maxDimension)
	if w == bounds.Dx() && h == bounds.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// thumbnailDimensions fits (w, h) into a limit x limit box keeping the aspect
// ratio. Images already inside the box are left alone.
func thumbnailDimensions(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, atLeastOne(h * limit / w)
	}
	return atLeastOne(w * limit / h), limit
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// RemoveStale deletes preview files in dir last modified before olderThan ago.
// Such files are left behind by processes that exited without releasing.
func RemoveStale(dir string, olderThan time.Duration) (int, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read preview directory")
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), FilePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("preview_stale_remove_failed", "path", path, "error", err)
			continue
		}
		removed++
	}

	slog.Info("preview_stale_removed", "dir", dir, "count", removed)
	return removed, nil
}
