// Package vad provides energy-based voice activity detection over fixed windows of
// mono 16-bit PCM. Streaming transcription uses it to find utterance boundaries.
package vad
