// Package provider defines the agent provider boundary. The orchestrator
// never sees a provider's wire format: it consumes a stream of tagged
// messages and inspects only the type and result subtype.
package provider

import "context"

// MessageType tags a streamed provider message.
type MessageType string

const (
	// MessageAssistant carries incremental assistant output.
	MessageAssistant MessageType = "assistant"
	// MessageResult is the terminal message describing the run outcome.
	MessageResult MessageType = "result"
	// MessageError reports a provider-side error.
	MessageError MessageType = "error"
)

// ResultSubtype refines a result or error message.
type ResultSubtype string

const (
	// SubtypeSuccess indicates the query completed successfully.
	SubtypeSuccess ResultSubtype = "success"
	// SubtypeError indicates a generic provider failure.
	SubtypeError ResultSubtype = "error"
	// SubtypeQuotaExhausted indicates the provider account is out of quota
	// or credits. The scheduler must stop issuing new requests.
	SubtypeQuotaExhausted ResultSubtype = "quota_exhausted"
	// SubtypeRateLimit indicates the provider is rate limiting requests.
	SubtypeRateLimit ResultSubtype = "rate_limit"
)

// Message is one element of a provider's response stream. It is a closed
// tagged union: consumers switch on Type and, for results, Subtype.
type Message struct {
	// Type tags the message.
	Type MessageType
	// Text is assistant output or a result summary.
	Text string
	// Subtype refines result and error messages.
	Subtype ResultSubtype
	// Err carries the error description for error messages.
	Err string
	// TokensIn and TokensOut report usage on result messages.
	TokensIn  int64
	TokensOut int64
}

// Query describes a single provider invocation.
type Query struct {
	// Prompt is the full prompt text.
	Prompt string
	// System is the optional system prompt.
	System string
	// Model selects the provider model; empty uses the provider default.
	Model string
	// CWD is the working directory context for the agent.
	CWD string
	// Tools lists tool names the agent may use.
	Tools []string
}

// Provider executes agent queries. Implementations must observe ctx
// cancellation promptly and close the returned channel when the stream
// ends. The terminal element is always a result or error message.
type Provider interface {
	ExecuteQuery(ctx context.Context, q Query) (<-chan Message, error)
}

// UsageSnapshot captures the last known provider usage when a pause trips.
type UsageSnapshot struct {
	TokensIn  int64
	TokensOut int64
	Requests  int
}
