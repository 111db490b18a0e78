// Package dispatch is the sequence driver: it turns dispatch.trigger events
// into AMR sequences and reports each outcome on dispatch.result.
//
// Sequences run on their own goroutine so the driver keeps draining its
// mailbox while the robot moves. A second trigger while a sequence holds the
// session gate is reported as "busy" immediately; the orchestrator decides
// whether to retry.
//
// Return sequences block at the destination until the orchestrator publishes
// dispatch.release for the job. The Gate holds those releases, including ones
// that arrive before the sequence reaches the confirmation step.
package dispatch
