package inference

import (
	"context"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// Delta is one decoded increment from a completion stream. A delta may carry
// any combination of incremental text, a model identifier, a timing
// snapshot, or a terminal error.
type Delta struct {
	// Text is the incremental content for this event, possibly empty.
	Text string
	// Model is the model identifier reported by the endpoint, if any.
	Model string
	// Timing is the latest performance snapshot, if any. Snapshots replace
	// one another wholesale.
	Timing *conversation.TimingStats
	// Err is a terminal protocol error. A delta carrying Err is the last
	// element of the stream.
	Err error
}

// Options tunes one completion request.
type Options struct {
	Model       string
	Temperature *float32
	MaxTokens   int
}

// Client issues a chat-completion request against an inference endpoint and
// exposes the reply as an incrementally decoded event stream.
//
// The returned channel ends either by natural exhaustion (normal completion)
// or with a single Delta carrying Err; consumers must stop after either.
// Cancellation is cooperative through ctx: after ctx is cancelled the client
// winds the stream down and closes the channel.
type Client interface {
	StreamCompletion(ctx context.Context, prompt []PromptMessage, opts Options) (<-chan Delta, error)
}
