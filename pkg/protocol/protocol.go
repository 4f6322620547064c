package protocol

// Protocol identifies a client-facing wire protocol.
type Protocol string

const (
	// ProtocolOpenAI is the OpenAI chat-completions wire protocol.
	ProtocolOpenAI Protocol = "openai"

	// ProtocolAnthropic is the Anthropic messages wire protocol.
	ProtocolAnthropic Protocol = "anthropic"

	// ProtocolGemini is the Gemini generateContent wire protocol.
	ProtocolGemini Protocol = "gemini"
)

// Valid reports whether p is a known client protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolOpenAI, ProtocolAnthropic, ProtocolGemini:
		return true
	}
	return false
}

// Family identifies the model family behind an upstream provider. The
// family, not the client protocol, decides which native wire format the
// gateway speaks to the provider.
type Family string

const (
	// FamilyClaude providers speak the Anthropic messages format with
	// SSE streaming.
	FamilyClaude Family = "claude"

	// FamilyOpenAI providers speak the OpenAI chat-completions format
	// with SSE streaming.
	FamilyOpenAI Family = "openai"

	// FamilyGemini providers speak the Gemini generateContent format.
	// Streams arrive as SSE when requested with alt=sse and as
	// newline-delimited JSON chunks otherwise.
	FamilyGemini Family = "gemini"

	// FamilyKiro providers speak a length-prefixed binary event-stream
	// carrying Claude-shaped assistant events.
	FamilyKiro Family = "kiro"

	// FamilyMixed providers host more than one model family; the
	// effective family is chosen per request by model name pattern.
	FamilyMixed Family = "mixed"
)

// Valid reports whether f is a known provider family.
func (f Family) Valid() bool {
	switch f {
	case FamilyClaude, FamilyOpenAI, FamilyGemini, FamilyKiro, FamilyMixed:
		return true
	}
	return false
}
