// Package schedule holds the recurrence rule model and the pure
// next-fire-time calculator.
//
// The calculator has no I/O and no persisted state: Next(rule, now) is a
// pure function, so recovery after downtime can recompute wake-ups
// idempotently instead of replaying a backlog.
package schedule
