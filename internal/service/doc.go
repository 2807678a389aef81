// Package service supervises the execution of backup jobs.
//
// Overview
// The Supervisor owns an event loop and a registry of uniquely named Jobs,
// built from the configuration. Clients (the CLI, the scheduler) request a
// job to start by id; at most one run per job is live at a time.
//
// A Job wraps a model.Job. A triggered run assembles the borg invocation,
// resolves the repository credential, executes the process under the
// supervision loop in internal/borg, and forwards one terminal Result back
// to the Supervisor.
//
// Data flow:
//
//   Supervisor            Job{id}                 borg.Run
//       |                    |                       |
//   start(id) ------------->| backup() ------------>| spawn + poll loop
//       |                    |                       | classify stderr lines
//       |                    |                       | publish on event bus
//       |                    |<----- stats/error ----| (process exits)
//       |<------ Result -----|                       |
//       | record run history |                       |
//
// Invariants:
//   - At most one live run per job id, however the trigger arrived.
//   - Concurrent runs of distinct jobs are capped by service.max_parallel.
//   - Each run produces exactly one terminal Result.
//   - Cancelling the supervisor context aborts live runs and returns once
//     they have terminated.
package service
