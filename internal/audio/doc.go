// Package audio handles sample format conversion, capture buffering, utterance
// segmentation and WAV container framing for microphone audio. Everything here is
// local and bounded by frame size so it can run on the realtime capture path.
package audio
