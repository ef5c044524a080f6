// Package media holds the selected image and the ways to load one, from a
// local path or from a remote source such as S3.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/validate"
	"github.com/gabriel-vasile/mimetype"
)

// File is a selected image: payload, declared media type, size and display name.
// It is owned by one workflow instance and replaced wholesale on re-selection.
type File struct {
	Name      string
	MediaType string
	Size      int64
	Data      []byte
}

// NewFile builds a File from an in-memory payload.
func NewFile(name, mediaType string, data []byte) *File {
	return &File{
		Name:      name,
		MediaType: mediaType,
		Size:      int64(len(data)),
		Data:      data,
	}
}

// SHA256 returns the hex encoded checksum of the payload.
func (f *File) SHA256() string {
	sum := sha256.Sum256(f.Data)
	return hex.EncodeToString(sum[:])
}

// LoadFile reads a local file and declares its media type.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return NewFile(filepath.Base(path), DeclaredType(path, data), data), nil
}

// DeclaredType mirrors what a browser reports for a picked file: the type
// registered for the extension. Without one, a content sniff only counts when
// it finds an allowed image type; anything else is reported as "".
func DeclaredType(name string, data []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if t := baseType(mime.TypeByExtension(strings.ToLower(ext))); t != "" {
			return t
		}
	}
	if len(data) == 0 {
		return ""
	}
	detected := baseType(mimetype.Detect(data).String())
	if slices.Contains(validate.AllowedTypes, detected) {
		return detected
	}
	return ""
}

func baseType(t string) string {
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mt
}

// Loader loads a File from a reference (path or URI).
type Loader interface {
	Load(ctx context.Context, ref string) (*File, error)
}

// LocalLoader loads files from the local filesystem.
type LocalLoader struct{}

func (LocalLoader) Load(_ context.Context, ref string) (*File, error) {
	return LoadFile(ref)
}

// Router dispatches references by URI scheme. References without a
// scheme go to the local filesystem.
type Router struct {
	schemes map[string]Loader
}

// NewRouter creates a router that serves plain paths locally.
func NewRouter() *Router {
	return &Router{schemes: make(map[string]Loader)}
}

// Handle registers a loader for scheme (e.g. "s3").
func (r *Router) Handle(scheme string, l Loader) {
	r.schemes[scheme] = l
}

func (r *Router) Load(ctx context.Context, ref string) (*File, error) {
	if scheme, _, ok := strings.Cut(ref, "://"); ok {
		l, found := r.schemes[scheme]
		if !found {
			return nil, fmt.Errorf("unsupported source scheme %q", scheme)
		}
		return l.Load(ctx, ref)
	}
	return LocalLoader{}.Load(ctx, ref)
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

// HasImageExtension reports whether name carries one of the raster image
// extensions the service accepts.
func HasImageExtension(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}
