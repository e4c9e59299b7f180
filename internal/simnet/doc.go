// Package simnet is a deterministic in-memory network for driving several
// replicas in one process.
//
// Operations are broadcast to every other site, queries go to one random
// peer and replies go back to the querier, matching how the engine's
// streams are routed in a real deployment. Messages sit in a queue until
// Step delivers them; a seeded RNG decides which message goes next (when
// reordering is on) and which are dropped or duplicated, so a given seed
// always produces the same run.
package simnet
