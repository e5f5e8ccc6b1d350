package agent

import "context"

// LLMClient is the model provider seam. Implementations stream the
// completion as chunks; the returned channel is closed when the stream
// completes, and provider errors arrive as ErrorChunk values.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
	Close() error
}

// GenerateInput is one completion request.
type GenerateInput struct {
	Provider string
	Model    string
	Messages []Message

	// MaxOutputChars advises the provider on completion size. The loop
	// truncates the collected text regardless, so this is an optimization,
	// not a guarantee.
	MaxOutputChars int
}

// Message roles. The envelope protocol never uses a native tool role;
// tool results travel as user messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is the interface for streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeUsage ChunkType = "usage"
	ChunkTypeError ChunkType = "error"
)

// TextChunk is a delta of the completion text.
type TextChunk struct{ Content string }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals a provider error mid-stream.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType  { return ChunkTypeText }
func (c *UsageChunk) chunkType() ChunkType { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType { return ChunkTypeError }
