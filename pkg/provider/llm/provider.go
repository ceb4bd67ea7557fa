// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (OpenAI, Gemini, Cerebras, …) and
// exposes a uniform interface so the race coordinator can query any number of
// backends without coupling to a specific SDK. Two call shapes exist: a
// streaming completion used for live answer suggestions, and a blocking
// completion used for screenshot analysis where the request may carry images.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ImageData is an inline image attached to a completion request.
type ImageData struct {
	// MIMEType is the image media type (e.g., "image/png", "image/jpeg").
	MIMEType string

	// Data is the raw image bytes. Providers encode it as a base64 data URL
	// or inline blob as their wire format requires.
	Data []byte
}

// CompletionRequest carries everything a provider needs to produce a response.
// Messages must be non-empty; the last message is the current user prompt.
type CompletionRequest struct {
	// SystemPrompt is a high-priority persona/instruction block injected
	// before the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history, ending with the current
	// user prompt.
	Messages []Message

	// Images holds inline images for vision requests. Only meaningful on the
	// non-streaming Complete path; providers without vision support must
	// return an error rather than silently dropping them.
	Images []ImageData

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on a chunk that only
	// carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error"
	// (in which case Text holds the error message). Empty on non-final chunks.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string
}

// Capabilities describes what a provider's underlying model supports.
// Assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// SupportsStreaming indicates the model supports incremental output.
	SupportsStreaming bool

	// SupportsVision indicates the model accepts image inputs.
	SupportsVision bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible, and emit nothing further. The race coordinator relies on this to
// silence losing contestants.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled.
	//
	// Errors that occur after the channel is opened are surfaced as a Chunk
	// with FinishReason "error"; the error return is non-nil only for
	// failures that prevent the stream from starting. The returned channel
	// must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response. This
	// is the path used for image analysis; req.Images is honoured here.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() Capabilities
}
