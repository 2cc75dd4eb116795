// Package capture records microphone audio into a single WAV payload per
// start/stop cycle. A Session drives a Tap through Idle, Recording and Stopping,
// converting every native frame on the tap's callback path and appending it to a
// bounded buffer without any I/O.
package capture
