// Package saga runs ordered phases with per-phase compensations.
//
// A saga is a multi-step business transaction across systems that cannot
// share a single atomic commit. Each phase carries an Execute function and
// a matching Compensate function; when a phase fails, the runner invokes
// the compensations of every completed phase in reverse order. For more on
// distributed sagas, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Define your phases:
//     - Create execute and compensate functions for each phase.
//     - Use `NewPhase` (or `NewPhaseNoCompensate`) to package them.
//  2. Register them in a `Registry`.
//  3. Build a `Plan`:
//     - `Sequence` chains phases linearly; `Add`/`DependsOn` build richer
//       orderings. Execution order is the plan's topological order.
//  4. Run it:
//     - Create a `Journal` implementation. `NewMemoryJournal` works for
//       testing; `NewFileJournal` persists run state to disk.
//     - Create a `Runner` and call `Execute`. The returned `Run` exposes
//       every phase's recorded output.
package saga
