package discord

import (
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the PCM input size of one frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// opusEncoder wraps a gopus Opus encoder for the output stream. A replaced
// voice may still be mid-frame when the next one starts, so encode is
// serialised.
type opusEncoder struct {
	mu  sync.Mutex
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one frame of interleaved little-endian int16 PCM. Short
// frames are zero padded.
func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	pcm := make([]int16, opusFrameSize*opusChannels)
	for i := 0; i+1 < len(frame) && i/2 < len(pcm); i += 2 {
		pcm[i/2] = int16(frame[i]) | int16(frame[i+1])<<8
	}
	e.mu.Lock()
	packet, err := e.enc.Encode(pcm, opusFrameSize, opusFrameBytes)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
