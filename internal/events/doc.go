// Package events publishes transcription outcomes and reconciliation reports
// to NATS so other services can follow an ordering session.
//
// Publishing is best effort: a disabled or unreachable bus never fails the
// operation that produced the event.
package events
