// Package validate decides whether a selected file may be previewed and submitted.
package validate

import (
	"fmt"
	"strconv"
)

// DefaultMaxFileSize is the largest accepted payload (10 MiB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// UnknownTypeLabel is shown in place of an empty declared type.
const UnknownTypeLabel = "desconocido"

// AllowedTypes is the fixed allow-list of raster image types.
var AllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
}

// Reason is why a file was rejected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnsupportedType
	ReasonTooLarge
)

func (r Reason) String() string {
	switch r {
	case ReasonUnsupportedType:
		return "unsupported media type"
	case ReasonTooLarge:
		return "exceeds size limit"
	default:
		return "none"
	}
}

// Verdict is the outcome of validating one file.
type Verdict struct {
	Accepted bool
	Reason   Reason

	// MediaType is the declared type, or UnknownTypeLabel when it was empty.
	MediaType string

	// Limit is the configured size limit, set when Reason is ReasonTooLarge.
	Limit int64
}

// Message formats the verdict for display. Accepted verdicts have no message.
func (v Verdict) Message() string {
	switch v.Reason {
	case ReasonUnsupportedType:
		return fmt.Sprintf("unsupported media type (%s)", v.MediaType)
	case ReasonTooLarge:
		mb := strconv.FormatFloat(float64(v.Limit)/(1024*1024), 'f', -1, 64)
		return fmt.Sprintf("exceeds size limit (%s MB)", mb)
	default:
		return ""
	}
}

// Validator checks declared media type and byte size. It is pure.
type Validator struct {
	maxFileSize int64
	allowed     map[string]struct{}
}

// NewValidator creates a validator with the given size limit. A non-positive
// limit falls back to DefaultMaxFileSize.
func NewValidator(maxFileSize int64) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	allowed := make(map[string]struct{}, len(AllowedTypes))
	for _, t := range AllowedTypes {
		allowed[t] = struct{}{}
	}
	return &Validator{maxFileSize: maxFileSize, allowed: allowed}
}

// MaxFileSize returns the configured limit.
func (v *Validator) MaxFileSize() int64 {
	return v.maxFileSize
}

// Allowed reports whether mediaType is on the allow-list. The comparison is exact.
func (v *Validator) Allowed(mediaType string) bool {
	_, ok := v.allowed[mediaType]
	return ok
}

// Validate returns exactly one verdict for (mediaType, size). The type check
// runs first, so a file failing both is reported as an unsupported type.
func (v *Validator) Validate(mediaType string, size int64) Verdict {
	label := mediaType
	if label == "" {
		label = UnknownTypeLabel
	}

	if !v.Allowed(mediaType) {
		return Verdict{Reason: ReasonUnsupportedType, MediaType: label}
	}
	if size > v.maxFileSize {
		return Verdict{Reason: ReasonTooLarge, MediaType: label, Limit: v.maxFileSize}
	}
	return Verdict{Accepted: true, MediaType: label}
}
