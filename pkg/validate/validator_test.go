package validate

import (
	"testing"
)

func TestValidate_MediaType(t *testing.T) {
	v := NewValidator(DefaultMaxFileSize)

	tests := []struct {
		mediaType string
		accepted  bool
	}{
		{"image/jpeg", true},
		{"image/png", true},
		{"image/gif", true},
		{"image/webp", true},
		{"image/bmp", true},
		{"image/JPEG", false},
		{"image/svg+xml", false},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		verdict := v.Validate(tt.mediaType, 1024)
		if verdict.Accepted != tt.accepted {
			t.Errorf("type %q: accepted=%v, want %v", tt.mediaType, verdict.Accepted, tt.accepted)
		}
		if !tt.accepted && verdict.Reason != ReasonUnsupportedType {
			t.Errorf("type %q: reason=%v, want unsupported type", tt.mediaType, verdict.Reason)
		}
	}
}

func TestValidate_Size(t *testing.T) {
	v := NewValidator(100)

	if verdict := v.Validate("image/png", 100); !verdict.Accepted {
		t.Errorf("size equal to the limit must be accepted, got %+v", verdict)
	}

	verdict := v.Validate("image/png", 101)
	if verdict.Accepted || verdict.Reason != ReasonTooLarge {
		t.Errorf("expected too large, got %+v", verdict)
	}
	if verdict.Limit != 100 {
		t.Errorf("expected limit 100 on verdict, got %d", verdict.Limit)
	}
}

func TestValidate_Totality(t *testing.T) {
	v := NewValidator(DefaultMaxFileSize)
	types := append([]string{"", "application/pdf", "image/tiff"}, AllowedTypes...)
	sizes := []int64{0, 1, DefaultMaxFileSize - 1, DefaultMaxFileSize, DefaultMaxFileSize + 1, 1 << 40}

	for _, mt := range types {
		for _, size := range sizes {
			verdict := v.Validate(mt, size)
			wantAccepted := v.Allowed(mt) && size <= DefaultMaxFileSize
			if verdict.Accepted != wantAccepted {
				t.Errorf("(%q, %d): accepted=%v, want %v", mt, size, verdict.Accepted, wantAccepted)
			}
			if verdict.Accepted == (verdict.Reason != ReasonNone) {
				t.Errorf("(%q, %d): accepted and reason disagree: %+v", mt, size, verdict)
			}
		}
	}
}

func TestVerdictMessage(t *testing.T) {
	v := NewValidator(DefaultMaxFileSize)

	// 12 MB PNG
	if got := v.Validate("image/png", 12*1024*1024).Message(); got != "exceeds size limit (10 MB)" {
		t.Errorf("unexpected message: %q", got)
	}

	// file with no declared type
	if got := v.Validate("", 42).Message(); got != "unsupported media type (desconocido)" {
		t.Errorf("unexpected message: %q", got)
	}

	if got := v.Validate("text/plain", 42).Message(); got != "unsupported media type (text/plain)" {
		t.Errorf("unexpected message: %q", got)
	}

	if got := v.Validate("image/jpeg", 2*1024*1024).Message(); got != "" {
		t.Errorf("accepted verdict should have no message, got %q", got)
	}
}

func TestNewValidator_DefaultLimit(t *testing.T) {
	if got := NewValidator(0).MaxFileSize(); got != DefaultMaxFileSize {
		t.Errorf("expected default limit, got %d", got)
	}
}
