// Package harness runs deterministic multi-replica scenarios against the
// synchronization engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: three_sites_lossy
//	description: "Replicas converge after a lossy run"
//	seed: 42
//	sites: 3
//	edits: 30
//	delete_ratio: 0.2
//	network:
//	  drop_rate: 0.2
//	  duplicate_rate: 0.1
//	  reorder: true
//	persist: sqlite
//	steps:
//	  - action: partition
//	    site: 2
//	  - action: edit
//	    site: 2
//	  - action: heal
//	    site: 2
//	  - action: restart
//	    site: 3
//	rounds: 5
//	assertions:
//	  - type: converged
//	  - type: operation_count
//	    count: 31
//
// Files are checked against an embedded CUE schema (schema.cue) before
// they are decoded, so type errors and unknown fields are reported with
// the offending path.
//
// # Execution
//
// Site 1 creates the session and every other site joins it. The random
// edit phase draws the editing site and operation kind from the scenario
// seed and lets a few network messages through after each edit. Explicit
// steps run next, then the given number of anti-entropy rounds on a
// reliable network. The same scenario always produces the same trace.
//
// # Assertion Types
//
//   - converged: every replica holds the same content digest
//   - operation_count: a replica (or every replica) holds count operations
//   - pending_empty: no replica has parked operations left
//   - trace_count: the trace holds count events of the given kind
package harness
