// Package workflow implements the Temporal workflow that drives one
// annotation worker.
//
// A worker is one (annotator, domain) pair. Its workflow builds the pending
// queue once, then submits units strictly in order through the annotation
// activities. Key responsibilities include:
//
//   - Re-submitting units whose model call asked for a retry, sleeping the
//     advertised delay between attempts
//   - Recording units that exhausted their re-submissions as terminal errors
//   - Honoring pause and resume signals between units
//   - Answering status queries
//   - Continuing as new once a run has processed its history budget
//
// Workflows should not contain any non-deterministic operations
// such as random number generation, system time access, or external I/O.
// Such operations are delegated to activities.
package workflow
