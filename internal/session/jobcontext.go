package session

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

// MaxJobContextLen is the stored length cap, in runes, for a job context.
const MaxJobContextLen = 30

// ErrEmptyJobContext is returned when the submitted context is empty or
// whitespace only.
var ErrEmptyJobContext = errors.New("session: job context is empty")

// ErrInvalidJobContext is returned when the submitted context contains
// characters outside the allowed set.
var ErrInvalidJobContext = errors.New("session: job context contains invalid characters")

// Letters, digits, spaces and light punctuation. Anything else (markup,
// control characters, emoji) is rejected rather than stripped, so the
// caller learns the input was bad instead of silently losing parts of it.
var jobContextRe = regexp.MustCompile(`^[A-Za-z0-9 ,.\-]+$`)

// JobContext stores the role description ("Senior Go Engineer") that every
// suggestion prompt is anchored to. Submitted values are validated and
// truncated before they are stored; a session with no valid context refuses
// to dispatch prompts at all.
//
// All methods are safe for concurrent use.
type JobContext struct {
	mu    sync.RWMutex
	value string
}

// NewJobContext returns an empty JobContext.
func NewJobContext() *JobContext {
	return &JobContext{}
}

// Set validates raw, truncates it to [MaxJobContextLen] runes, stores the
// result and returns it. On validation failure the stored value is left
// unchanged.
func (j *JobContext) Set(raw string) (string, error) {
	sanitized, err := SanitizeJobContext(raw)
	if err != nil {
		return "", err
	}

	j.mu.Lock()
	j.value = sanitized
	j.mu.Unlock()
	return sanitized, nil
}

// Get returns the stored job context, or the empty string when none has
// been set.
func (j *JobContext) Get() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.value
}

// Clear discards the stored context.
func (j *JobContext) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.value = ""
}

// SanitizeJobContext validates and normalizes a raw job context: trims
// surrounding whitespace, checks the character set, and truncates to
// [MaxJobContextLen] runes. Validation runs before truncation so that a bad
// character beyond the cap still rejects the whole input.
func SanitizeJobContext(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmptyJobContext
	}
	if !jobContextRe.MatchString(trimmed) {
		return "", ErrInvalidJobContext
	}

	runes := []rune(trimmed)
	if len(runes) > MaxJobContextLen {
		trimmed = strings.TrimSpace(string(runes[:MaxJobContextLen]))
	}
	return trimmed, nil
}
