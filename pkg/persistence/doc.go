// Package persistence implements the create/load/store lifecycle of the
// on-device cache layout and the crash-consistency shutdown protocol
// (spec §4.F).
//
// Metadata-sector writes triggered by individual slot updates are
// coalesced through [Manager.WriteDescriptorSector]: at most one write
// per metadata sector is ever outstanding, matching the teacher's
// single-writer-others-wait pattern for shared mutable state (see
// pkg/mddb's write-transaction serialization in DESIGN.md).
package persistence
