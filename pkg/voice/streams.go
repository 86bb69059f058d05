package voice

import (
	"context"

	"github.com/cadenza-ai/cadenza/pkg/streams"
)

// streamsReader is a local alias keeping activity signatures short.
type streamsReader = streams.Reader[string]

// newTextChannel creates the channel that carries LLM text deltas into the
// TTS pipeline.
func newTextChannel() *streams.StreamChannel[string] {
	return streams.NewStreamChannel[string](64)
}

// streamsChannelOf wraps a fixed string as a one-item text stream.
func streamsChannelOf(text string) streamsReader {
	ch := streams.NewStreamChannel[string](1)
	_ = ch.Write(context.Background(), text)
	ch.Close()
	return ch.Stream()
}
