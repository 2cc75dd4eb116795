// Package ordering keeps one diner's order for the length of a meal.
//
// A Service records spoken orders through the capture session, accepts manual
// entries, runs live streaming transcription on the same tap and checks the
// bill against what was ordered. Terminal transcription events and
// reconciliation reports go to the configured events.Publisher.
package ordering
