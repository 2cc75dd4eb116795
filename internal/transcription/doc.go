// Package transcription turns recorded or live audio into text and order items.
//
// Client talks to the transcription backend over JSON/HTTP. BatchSession
// submits one finished WAV payload per session. StreamingSession feeds live
// frames to a Recognizer and reports partial results as they arrive;
// ChunkedRecognizer builds one from voice activity detection, utterance
// segmentation and per-utterance backend calls. Every session emits zero or
// more partial events followed by exactly one terminal event.
package transcription
