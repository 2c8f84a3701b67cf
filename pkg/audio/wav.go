package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedFormat is returned by [DecodeWAV] for payloads that are not
// RIFF/WAVE PCM audio.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// DecodeWAV parses a RIFF/WAVE payload holding 16-bit integer or 32-bit
// float PCM. Float samples are converted to int16.
//
// Streaming encoders often write 0xFFFFFFFF as the data chunk size; such
// sizes are clamped to the bytes actually present.
func DecodeWAV(payload []byte) (*Buffer, error) {
	if len(payload) < 12 || string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	var (
		format     uint16
		channels   int
		sampleRate int
		bits       int
		haveFmt    bool
	)

	pos := 12
	for pos+8 <= len(payload) {
		id := string(payload[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(payload[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(payload) {
			size = len(payload) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedFormat)
			}
			format = binary.LittleEndian.Uint16(payload[body:])
			channels = int(binary.LittleEndian.Uint16(payload[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(payload[body+4:]))
			bits = int(binary.LittleEndian.Uint16(payload[body+14:]))
			if format == wavFormatExtensible && size >= 26 {
				format = binary.LittleEndian.Uint16(payload[body+24:])
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedFormat)
			}
			if channels <= 0 || sampleRate <= 0 {
				return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, channels, sampleRate)
			}
			data := payload[body : body+size]
			switch {
			case format == wavFormatPCM && bits == 16:
				pcm := make([]byte, len(data)&^1)
				copy(pcm, data)
				return &Buffer{Data: pcm, SampleRate: sampleRate, Channels: channels}, nil
			case format == wavFormatFloat && bits == 32:
				return &Buffer{Data: floatToPCM16(data), SampleRate: sampleRate, Channels: channels}, nil
			default:
				return nil, fmt.Errorf("%w: format %d with %d bits per sample", ErrUnsupportedFormat, format, bits)
			}
		}

		// Chunks are word aligned.
		pos = body + size + size&1
	}
	return nil, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
}

// EncodeWAV wraps buf in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(buf *Buffer) []byte {
	out := make([]byte, 44+len(buf.Data))
	blockAlign := buf.Channels * 2

	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(buf.Data)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:], uint16(buf.Channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(buf.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(buf.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(buf.Data)))
	copy(out[44:], buf.Data)
	return out
}

func floatToPCM16(data []byte) []byte {
	n := len(data) / 4
	out := make([]byte, n*2)
	for i := range n {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		v := math.Round(float64(f) * math.MaxInt16)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
