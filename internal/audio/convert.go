package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

// SampleEncoding identifies how a device lays out one sample.
type SampleEncoding string

const (
	EncodingInt16   SampleEncoding = "int16"
	EncodingInt32   SampleEncoding = "int32"
	EncodingFloat32 SampleEncoding = "float32"
	EncodingFloat64 SampleEncoding = "float64"
)

// BytesPerSample returns the width of one sample, or 0 for an unknown encoding.
func (e SampleEncoding) BytesPerSample() int {
	switch e {
	case EncodingInt16:
		return 2
	case EncodingInt32, EncodingFloat32:
		return 4
	case EncodingFloat64:
		return 8
	default:
		return 0
	}
}

// NativeFormat describes frames as delivered by the capture device:
// interleaved, little-endian, at the device's own rate.
type NativeFormat struct {
	SampleRate int            `json:"sample_rate"`
	Channels   int            `json:"channels"`
	Encoding   SampleEncoding `json:"encoding"`
}

// FrameBytes returns the size of one multichannel sample frame.
func (f NativeFormat) FrameBytes() int {
	return f.Encoding.BytesPerSample() * f.Channels
}

func (f NativeFormat) String() string {
	return fmt.Sprintf("%s %dch %dHz", f.Encoding, f.Channels, f.SampleRate)
}

// Converter turns native frames into mono 16-bit little-endian PCM at the native
// sample rate. It does not resample. A Converter is stateless and safe for
// concurrent use.
type Converter struct {
	format     NativeFormat
	frameBytes int
	sampleSize int
}

// NewConverter validates the native format. Failures are setup errors and must be
// surfaced before recording starts.
func NewConverter(format NativeFormat) (*Converter, error) {
	sampleSize := format.Encoding.BytesPerSample()
	if sampleSize == 0 {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new converter", "unsupported sample encoding %q", format.Encoding)
	}

	if format.Channels < 1 {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new converter", "channel count must be at least 1, got %d", format.Channels)
	}

	if format.SampleRate <= 0 {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new converter", "sample rate must be positive, got %d", format.SampleRate)
	}

	return &Converter{
		format:     format,
		frameBytes: format.FrameBytes(),
		sampleSize: sampleSize,
	}, nil
}

// Format returns the native format the converter was built for.
func (c *Converter) Format() NativeFormat {
	return c.format
}

// SampleRate is the rate of the converted output, which equals the native rate.
func (c *Converter) SampleRate() int {
	return c.format.SampleRate
}

// OutputSize returns how many bytes Convert produces for an input of n bytes.
func (c *Converter) OutputSize(n int) int {
	return n / c.frameBytes * bytesPerOutputSample
}

// Convert down-mixes and requantizes one native frame.
func (c *Converter) Convert(frame []byte) ([]byte, error) {
	out := make([]byte, c.OutputSize(len(frame)))
	if _, err := c.ConvertInto(out, frame); err != nil {
		return nil, err
	}
	return out, nil
}

// ConvertInto writes the converted frame into dst and returns the number of bytes
// written. dst must hold at least OutputSize(len(frame)) bytes.
func (c *Converter) ConvertInto(dst, frame []byte) (int, error) {
	if len(frame)%c.frameBytes != 0 {
		return 0, fmt.Errorf("frame length %d is not a multiple of %d-byte sample frames (%s)", len(frame), c.frameBytes, c.format)
	}

	frames := len(frame) / c.frameBytes
	if len(dst) < frames*bytesPerOutputSample {
		return 0, fmt.Errorf("destination too small: need %d bytes, have %d", frames*bytesPerOutputSample, len(dst))
	}

	channels := c.format.Channels
	for i := 0; i < frames; i++ {
		base := i * c.frameBytes
		var sum float64
		for ch := 0; ch < channels; ch++ {
			off := base + ch*c.sampleSize
			sum += c.sampleAt(frame[off : off+c.sampleSize])
		}
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(c.quantize(sum/float64(channels))))
	}

	return frames * bytesPerOutputSample, nil
}

// sampleAt returns the sample in int16 scale for integer encodings and in [-1, 1]
// scale for float encodings.
func (c *Converter) sampleAt(b []byte) float64 {
	switch c.format.Encoding {
	case EncodingInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case EncodingInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)) >> 16)
	case EncodingFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

func (c *Converter) quantize(v float64) int16 {
	switch c.format.Encoding {
	case EncodingFloat32, EncodingFloat64:
		if math.IsNaN(v) {
			return 0
		}
		if v > 1 {
			v = 1
		}
		if v < -1 {
			v = -1
		}
		return int16(v * 32767.0)
	default:
		// Mean of in-range integers stays in range; truncate toward zero.
		return int16(v)
	}
}

// Float32ToBytes serialises interleaved float32 samples little-endian into dst,
// which must hold 4*len(samples) bytes.
func Float32ToBytes(dst []byte, samples []float32) {
	for i, v := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}
