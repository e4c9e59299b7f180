// Package ir provides the value types exchanged by the replication core.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the envelope types the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Values handed across package boundaries are immutable snapshots; a
//     RichOperation never changes after it has been stamped by its origin.
//   - Clocks are logical and per origin, starting at 0 with no gaps.
//   - The CRDT payload carried by an Operation is opaque and never inspected.
//   - All JSON tags use snake_case.
package ir
