// Package pipeline defines the error taxonomy shared by the capture, conversion,
// transcription and verification stages.
package pipeline
