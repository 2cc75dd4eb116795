package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeWAV(t *testing.T) {
	// 440Hz sine wave for 0.1 seconds at 44.1kHz
	sampleRate := 44100
	duration := 0.1
	frequency := 440.0

	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*frequency*t))
	}

	wavData, err := EncodeWAV(SamplesToBytes(samples), sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := WAVHeaderSize + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}

	expectedDuration := float64(numSamples) / float64(sampleRate)
	if math.Abs(info.Duration-expectedDuration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", expectedDuration, info.Duration)
	}
}

func TestEncodeWAVHeaderLayout(t *testing.T) {
	payload := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0}
	wavData, err := EncodeWAV(payload, 44100)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"chunk size", le.Uint32(wavData[4:8]), uint32(len(payload)) + 36},
		{"subchunk1 size", le.Uint32(wavData[16:20]), 16},
		{"audio format", uint32(le.Uint16(wavData[20:22])), 1},
		{"channels", uint32(le.Uint16(wavData[22:24])), 1},
		{"sample rate", le.Uint32(wavData[24:28]), 44100},
		{"byte rate", le.Uint32(wavData[28:32]), 44100 * 2},
		{"block align", uint32(le.Uint16(wavData[32:34])), 2},
		{"bits per sample", uint32(le.Uint16(wavData[34:36])), 16},
		{"subchunk2 size", le.Uint32(wavData[40:44]), uint32(len(payload))},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, c.got)
		}
	}

	literals := map[int]string{0: "RIFF", 8: "WAVE", 12: "fmt ", 36: "data"}
	for offset, want := range literals {
		if got := string(wavData[offset : offset+4]); got != want {
			t.Errorf("offset %d: expected %q, got %q", offset, want, got)
		}
	}

	if !bytes.Equal(wavData[WAVHeaderSize:], payload) {
		t.Error("payload was not copied verbatim after the header")
	}
}

func TestWAVHeaderRoundTrip(t *testing.T) {
	sizes := []int{0, 2, 882, 88200}

	for _, n := range sizes {
		wavData, err := EncodeWAV(make([]byte, n), 16000)
		if err != nil {
			t.Fatalf("EncodeWAV(%d) failed: %v", n, err)
		}

		header, err := ParseWAVHeader(wavData)
		if err != nil {
			t.Fatalf("ParseWAVHeader(%d) failed: %v", n, err)
		}

		if header.Subchunk2Size != uint32(n) {
			t.Errorf("payload %d: expected subchunk2 size %d, got %d", n, n, header.Subchunk2Size)
		}

		if header.ChunkSize != uint32(n)+36 {
			t.Errorf("payload %d: expected chunk size %d, got %d", n, n+36, header.ChunkSize)
		}
	}
}

func TestDecodeWAV(t *testing.T) {
	originalSamples := []int16{100, -200, 300, -400, 500}
	sampleRate := 8000

	wavData, err := EncodeWAV(SamplesToBytes(originalSamples), sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decodedSamples, decodedSampleRate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if decodedSampleRate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, decodedSampleRate)
	}

	if len(decodedSamples) != len(originalSamples) {
		t.Fatalf("Expected %d samples, got %d", len(originalSamples), len(decodedSamples))
	}

	for i, original := range originalSamples {
		if decodedSamples[i] != original {
			t.Errorf("Sample %d: expected %d, got %d", i, original, decodedSamples[i])
		}
	}
}

func TestDecodeWAVTruncated(t *testing.T) {
	wavData, err := EncodeWAV(make([]byte, 100), 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if _, _, err := DecodeWAV(wavData[:80]); err == nil {
		t.Error("Expected error for truncated payload")
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	wavData, err := EncodeWAV(nil, 44100)
	if err != nil {
		t.Fatalf("EncodeWAV failed on empty payload: %v", err)
	}

	if len(wavData) != WAVHeaderSize {
		t.Errorf("Expected header-only container of %d bytes, got %d", WAVHeaderSize, len(wavData))
	}
}

func TestEncodeWAVInvalidInput(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}

	if _, err := EncodeWAV([]byte{1, 2}, -1000); err == nil {
		t.Error("Expected error for negative sample rate")
	}

	if _, err := EncodeWAV([]byte{1, 2, 3}, 8000); err == nil {
		t.Error("Expected error for odd payload length")
	}
}

func TestValidateWAV(t *testing.T) {
	if err := ValidateWAV([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for too short WAV data")
	}

	invalidWAV := make([]byte, 50)
	copy(invalidWAV[0:4], []byte("FAKE"))
	if err := ValidateWAV(invalidWAV); err == nil {
		t.Error("Expected error for invalid RIFF header")
	}
}

func TestGetWAVDuration(t *testing.T) {
	sampleRate := 8000
	samples := make([]int16, sampleRate) // 1 second
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	wavData, err := EncodeWAV(SamplesToBytes(samples), sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	duration, err := GetWAVDuration(wavData)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}

	if math.Abs(duration-1.0) > 0.001 {
		t.Errorf("Expected duration 1.000, got %.3f", duration)
	}
}

func TestCheckPayloadSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		wantErr bool
	}{
		{"empty", 0, false},
		{"one second", 32000, false},
		{"largest", MaxWAVPayloadSize, false},
		{"chunk size would wrap", MaxWAVPayloadSize + 2, true},
		{"over 4 GiB", math.MaxUint32 + 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPayloadSize(tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkPayloadSize(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
		})
	}
}
