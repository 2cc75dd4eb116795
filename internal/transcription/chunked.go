package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
	"github.com/ymgong66966/restaurant-order-verifier/internal/vad"
)

// TextBackend is the part of the backend the chunked recognizer needs.
type TextBackend interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
	ProcessText(ctx context.Context, text string) (*Extraction, error)
}

// ChunkedConfig tunes utterance segmentation for the chunked recognizer.
type ChunkedConfig struct {
	VADThreshold       float32
	WindowDuration     time.Duration
	MinDuration        time.Duration
	MaxDuration        time.Duration
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	// ExtractItems runs item extraction on the final transcript.
	ExtractItems bool
}

// DefaultChunkedConfig returns settings suited to short spoken orders.
func DefaultChunkedConfig() ChunkedConfig {
	return ChunkedConfig{
		VADThreshold:       0.05,
		WindowDuration:     20 * time.Millisecond,
		MinDuration:        300 * time.Millisecond,
		MaxDuration:        15 * time.Second,
		MinSpeechDuration:  200 * time.Millisecond,
		MinSilenceDuration: 600 * time.Millisecond,
		ExtractItems:       true,
	}
}

// ChunkedRecognizer streams by cutting audio into utterances on silence and
// transcribing each one as a batch request. Every transcribed utterance yields
// a partial result carrying the transcript so far.
type ChunkedRecognizer struct {
	backend TextBackend
	config  ChunkedConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewChunkedRecognizer creates a recognizer over backend. logger and m may be nil.
func NewChunkedRecognizer(backend TextBackend, config ChunkedConfig, logger *slog.Logger, m *metrics.Metrics) *ChunkedRecognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkedRecognizer{
		backend: backend,
		config:  config,
		logger:  logger.With("component", "chunked_recognizer"),
		metrics: m,
	}
}

// Recognize implements Recognizer.
func (r *ChunkedRecognizer) Recognize(ctx context.Context, sampleRate int, pcm <-chan []byte, results chan<- Result) error {
	chunker, processor, err := r.newChunker(sampleRate)
	if err != nil {
		return err
	}
	defer func() {
		stats := processor.GetStats()
		r.metrics.RecordVADWindows(stats.TotalWindows, stats.VoiceWindows)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	utterances := make(chan *audio.AudioChunk, 8)
	segmentErr := make(chan error, 1)
	go func() {
		defer close(utterances)
		segmentErr <- r.segment(ctx, chunker, pcm, utterances)
	}()

	var transcript []string
	for chunk := range utterances {
		text, err := r.transcribe(ctx, chunk)
		if err != nil {
			cancel()
			for range utterances {
			}
			return err
		}
		if text == "" {
			continue
		}

		transcript = append(transcript, text)
		results <- Result{Text: strings.Join(transcript, " ")}
	}

	if err := <-segmentErr; err != nil {
		return err
	}

	final := Result{Text: strings.Join(transcript, " "), Final: true}
	if r.config.ExtractItems && final.Text != "" {
		extraction, err := r.backend.ProcessText(ctx, final.Text)
		if err != nil {
			return err
		}
		final.Items = extraction.Items
	}

	results <- final
	return nil
}

func (r *ChunkedRecognizer) newChunker(sampleRate int) (*audio.Chunker, *vad.Processor, error) {
	window := int(int64(sampleRate) * int64(r.config.WindowDuration) / int64(time.Second))
	if window <= 0 {
		return nil, nil, pipeline.Errorf(pipeline.KindSetup, "chunked recognizer", "window of %v at %d Hz holds no samples", r.config.WindowDuration, sampleRate)
	}

	processor, err := vad.NewProcessor(r.config.VADThreshold, window, sampleRate)
	if err != nil {
		return nil, nil, pipeline.Wrap(pipeline.KindSetup, "chunked recognizer", err)
	}

	chunker, err := audio.NewChunker(audio.ChunkingConfig{
		MinDuration:        r.config.MinDuration,
		MaxDuration:        r.config.MaxDuration,
		MinSpeechDuration:  r.config.MinSpeechDuration,
		MinSilenceDuration: r.config.MinSilenceDuration,
		SampleRate:         sampleRate,
	}, processor, "utterance")
	if err != nil {
		return nil, nil, pipeline.Wrap(pipeline.KindSetup, "chunked recognizer", err)
	}

	return chunker, processor, nil
}

// segment feeds PCM through the chunker until the input closes, forwarding
// completed utterances. The trailing utterance is flushed at end of audio.
func (r *ChunkedRecognizer) segment(ctx context.Context, chunker *audio.Chunker, pcm <-chan []byte, out chan<- *audio.AudioChunk) error {
	forward := func(chunk *audio.AudioChunk) error {
		r.metrics.RecordChunkGenerated(chunk.Duration.Seconds())
		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-pcm:
			if !ok {
				if chunk := chunker.Flush(); chunk != nil {
					return forward(chunk)
				}
				return nil
			}

			chunks, err := chunker.Write(frame)
			if err != nil {
				return pipeline.Wrap(pipeline.KindFormat, "segment", err)
			}
			for _, chunk := range chunks {
				if err := forward(chunk); err != nil {
					return err
				}
			}
		}
	}
}

func (r *ChunkedRecognizer) transcribe(ctx context.Context, chunk *audio.AudioChunk) (string, error) {
	wav, err := chunk.WAV()
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindFormat, "encode utterance", err)
	}

	text, err := r.backend.Transcribe(ctx, wav)
	if err != nil {
		return "", fmt.Errorf("utterance %s: %w", chunk.ChunkID, err)
	}

	r.logger.Debug("Utterance transcribed",
		"chunk_id", chunk.ChunkID,
		"offset", chunk.Offset,
		"duration", chunk.Duration,
		"chars", len(text))

	return strings.TrimSpace(text), nil
}
