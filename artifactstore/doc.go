// Package artifactstore persists composed supergraph artifacts and raw
// subgraph schemas in the sway-artifacts JetStream object store.
//
// Artifacts are immutable: each composition is written under
// supergraph/<env>/<hash> and never touched again. A small pointer
// object at supergraph/<env>/current names the hash the gateway should
// serve. PutSupergraph writes the artifact first and the pointer
// second, so a crash between the two leaves the previous composition
// current and the gateway never loads a broken supergraph. Rollback is
// SetCurrent with a prior hash.
//
// Subgraph schemas live at subgraph/<env>/<service>, latest fetch wins.
//
// Reads that fail because nothing has been written yet (no composition
// for the environment, no schema fetched for a service) return
// transient ErrKeyNotFound: the state usually appears after the next
// deploy. Reads naming an explicit hash return invalid-class errors
// when the hash does not exist.
package artifactstore
