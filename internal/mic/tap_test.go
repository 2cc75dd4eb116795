package mic

import (
	"errors"
	"testing"

	"github.com/gordonklaus/portaudio"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want pipeline.Kind
	}{
		{"device unavailable", portaudio.DeviceUnavailable, pipeline.KindPermission},
		{"invalid device", portaudio.InvalidDevice, pipeline.KindPermission},
		{"bad sample rate", portaudio.InvalidSampleRate, pipeline.KindSetup},
		{"unsupported format", portaudio.SampleFormatNotSupported, pipeline.KindSetup},
		{"other", errors.New("host api failure"), pipeline.KindSetup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("open input stream", tt.err)
			if got := pipeline.KindOf(err); got != tt.want {
				t.Errorf("Expected kind %v, got %v", tt.want, got)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected classified error to wrap %v", tt.err)
			}
		})
	}
}

func TestTapFormat(t *testing.T) {
	tap := NewTap(Config{SampleRate: 48000, Channels: 2, FramesPerBuffer: 960}, nil)

	format := tap.Format()
	if format.Encoding != audio.EncodingFloat32 {
		t.Errorf("Expected float32 encoding, got %s", format.Encoding)
	}
	if format.SampleRate != 48000 || format.Channels != 2 {
		t.Errorf("Unexpected format %s", format)
	}
	if _, err := audio.NewConverter(format); err != nil {
		t.Errorf("Tap format must be convertible: %v", err)
	}
}

func TestRemoveWithoutInstall(t *testing.T) {
	tap := NewTap(Config{SampleRate: 16000, Channels: 1, FramesPerBuffer: 320}, nil)
	if err := tap.Remove(); err != nil {
		t.Errorf("Expected no error removing an idle tap, got %v", err)
	}
}
