package session

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeJobContext(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{"plain role", "Senior Go Engineer", "Senior Go Engineer", nil},
		{"trims whitespace", "  SRE, Platform Team  ", "SRE, Platform Team", nil},
		{"punctuation allowed", "Back-end Dev, L4.", "Back-end Dev, L4.", nil},
		{"empty", "", "", ErrEmptyJobContext},
		{"whitespace only", "   \t ", "", ErrEmptyJobContext},
		{"html rejected", "<b>Engineer</b>", "", ErrInvalidJobContext},
		{"emoji rejected", "Engineer \U0001F680", "", ErrInvalidJobContext},
		{"newline rejected", "Engineer\nManager", "", ErrInvalidJobContext},
		{"bad char beyond cap still rejects", strings.Repeat("a", 40) + "!", "", ErrInvalidJobContext},
		{
			"truncated to cap",
			"Principal Distributed Systems Architect",
			"Principal Distributed Systems",
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeJobContext(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if utf8.RuneCountInString(got) > MaxJobContextLen {
				t.Errorf("result exceeds cap: %q", got)
			}
		})
	}
}

func TestJobContextSetAndGet(t *testing.T) {
	j := NewJobContext()
	if j.Get() != "" {
		t.Fatalf("fresh context not empty")
	}

	stored, err := j.Set("Staff Engineer")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if stored != "Staff Engineer" || j.Get() != "Staff Engineer" {
		t.Errorf("stored = %q, Get = %q", stored, j.Get())
	}
}

func TestJobContextRejectionLeavesValueUnchanged(t *testing.T) {
	j := NewJobContext()
	if _, err := j.Set("Data Engineer"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := j.Set("<script>alert(1)</script>"); !errors.Is(err, ErrInvalidJobContext) {
		t.Fatalf("err = %v, want ErrInvalidJobContext", err)
	}
	if j.Get() != "Data Engineer" {
		t.Errorf("rejected Set clobbered stored value: %q", j.Get())
	}
}

func TestJobContextClear(t *testing.T) {
	j := NewJobContext()
	if _, err := j.Set("QA Lead"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	j.Clear()
	if j.Get() != "" {
		t.Errorf("Get after Clear = %q", j.Get())
	}
}
