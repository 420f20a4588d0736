// Package timer bridges calculated fire times to a wake-up facility and
// keeps persisted wake-up metadata so schedules survive process restarts.
//
// The Service interface is the only wake-up primitive the rest of the repo
// knows about; the in-process implementation can be swapped for an external
// cron-like trigger without touching the calculator or the pipeline.
package timer
