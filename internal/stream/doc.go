// Package stream keeps the registry of live transcription sessions.
//
// The Manager drains every registered session, records its events for replay
// over the HTTP API, hands the terminal event to a callback and cancels
// sessions that stay idle past the configured timeout.
package stream
