// Package reputation stores append-only reputation attestations and
// aggregates them into per-account trust scores.
package reputation
