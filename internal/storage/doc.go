// Package storage persists the scheduling domain:
//   - Service requests (parent work items)
//   - Recurrence patterns with their next-run pointers
//   - Pattern exceptions (excluded calendar dates)
//   - Schedule items (materialized and ad hoc occurrences)
//   - Notify dedup state (to survive restarts)
//
// All mutations used by the engine are also available inside a
// transaction via Store.InTx.
package storage
