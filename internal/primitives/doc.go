// Package primitives provides the small synchronization types shared by the
// watch source and the queueing engine: a broadcast Signal, a waitable Flag
// (used as the per-object "replenished" marker) and an on/off Toggle (used to
// freeze watching).
package primitives
