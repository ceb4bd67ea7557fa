// Package stt defines the Recognizer interface for streaming Speech-to-Text
// engines.
//
// A Recognizer wraps a cloud transcription service and exposes a push
// interface: raw PCM chunks go in via ProcessChunk, transcript events come
// out on a single ordered channel. Connection management — restarts,
// protocol-version fallback, session-age rollover — is entirely the
// implementation's concern; callers only ever see ready and transcript
// events.
//
// Implementations must be safe for concurrent use.
package stt

// EventType discriminates the values emitted on a Recognizer's event channel.
type EventType int

const (
	// EventReady signals that the recognizer has an open stream and it is
	// safe to forward audio. Emitted once after Start succeeds and again
	// after each internal restart completes.
	EventReady EventType = iota

	// EventTranscript carries a Transcript value.
	EventTranscript
)

// Transcript represents a speech-to-text result. Both interim and final
// results use this type; interim results for the same utterance are
// superseded by later ones, finals are authoritative.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or interim
	// result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// service does not report confidence for interim results.
	Confidence float64
}

// Event is a single value emitted on the recognizer's event channel.
// Events are delivered in arrival order: interim transcripts never follow
// the final transcript of the same utterance.
type Event struct {
	Type       EventType
	Transcript Transcript
}

// Recognizer is a long-lived streaming transcription engine.
//
// The lifecycle is Start → ProcessChunk×N → Stop, possibly repeated. Events
// must be drained by exactly one consumer for the duration of a started
// recognizer; the channel is never closed, so consumers select against their
// own context.
type Recognizer interface {
	// Start opens the streaming session. Calling Start while already started
	// is a no-op. Readiness is signalled via EventReady, not by Start
	// returning — only dial-level failures surface here.
	Start() error

	// ProcessChunk forwards a raw PCM chunk to the live stream. It is a
	// logged no-op when the recognizer is not ready, and must tolerate
	// zero-length or malformed buffers without error.
	ProcessChunk(chunk []byte)

	// Events returns the ordered event channel. The same channel is returned
	// for the lifetime of the recognizer.
	Events() <-chan Event

	// Stop tears down the stream and resets restart bookkeeping. Safe to
	// call when already stopped.
	Stop() error
}
