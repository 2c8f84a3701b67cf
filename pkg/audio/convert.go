package audio

import (
	"fmt"
	"log/slog"
)

// Format describes the sample rate and channel count of PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Format returns the format of b.
func (b *Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Convert returns buf in the target format. If buf already matches, it is
// returned unchanged. Resampling happens before channel conversion so that a
// downmix never pays for resampling the extra channel.
func Convert(buf *Buffer, target Format) *Buffer {
	if buf.Format() == target {
		return buf
	}
	slog.Debug("audio: converting buffer", "from", buf.Format(), "to", target)

	pcm := buf.Data
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	pcm = Resample(pcm, buf.Channels, buf.SampleRate, target.SampleRate)
	pcm = Remix(pcm, buf.Channels, target.Channels)
	return &Buffer{Data: pcm, SampleRate: target.SampleRate, Channels: target.Channels}
}

// Remix converts interleaved int16 PCM from one channel count to another.
// Mono is duplicated into every output channel; any other source is first
// averaged down to mono.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*to*2)
	for i := range frames {
		var sum int32
		for c := range from {
			off := (i*from + c) * 2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		s := clamp16(sum / int32(from))
		for c := range to {
			off := (i*to + c) * 2
			out[off] = byte(s)
			out[off+1] = byte(s >> 8)
		}
	}
	return out
}

// Resample converts interleaved int16 PCM with the given channel count from
// srcRate to dstRate using linear interpolation. Invalid rates and equal rates
// return the input unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(frame, ch int) float64 {
		off := frame*frameBytes + ch*2
		return float64(int16(pcm[off]) | int16(pcm[off+1])<<8)
	}

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			v := int16(sample(idx, c)*(1-frac) + sample(next, c)*frac)
			off := i*frameBytes + c*2
			out[off] = byte(v)
			out[off+1] = byte(v >> 8)
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
