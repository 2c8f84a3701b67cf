// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Azure OpenAI speech,
// the VOICEVOX web API, ElevenLabs, or a local Coqui server) and presents one
// request/response call: text and a voice identifier in, an encoded audio
// payload out. The payload format is opaque to callers; every provider in this
// module returns WAV so that [audio.DecodeWAV] can read it.
//
// Implementations must be safe for concurrent use. The playback pipeline
// issues several Synthesize calls in parallel during pre-generation.
package tts

import (
	"context"
	"fmt"
)

// Request describes one utterance to synthesise.
type Request struct {
	// Text is the content to speak. Must be non-empty.
	Text string

	// Voice is the provider-specific voice identifier (a VOICEVOX speaker
	// number, an OpenAI voice name, an ElevenLabs voice ID, ...).
	Voice string

	// Instructions is an optional speaking-style hint for providers that
	// accept one (OpenAI gpt-4o-mini-tts). Others ignore it.
	Instructions string

	// Speed adjusts the speaking rate; zero means the provider default.
	Speed float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req into an encoded audio payload.
	//
	// Returns an error if the backend fails, rejects the request, or ctx is
	// cancelled. Backends reached over HTTP report non-2xx answers as
	// *[HTTPError] so relays can forward the upstream status.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// HTTPError reports a non-success HTTP status from a TTS backend.
type HTTPError struct {
	// Provider names the backend, e.g. "voicevox".
	Provider string

	// StatusCode is the upstream HTTP status.
	StatusCode int

	// Body holds up to the first 512 bytes of the upstream response body.
	Body string
}

// Error implements error.
func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}
