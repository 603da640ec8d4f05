// Package ledger defines the account and transfer abstraction the engine
// settles funds through, a client cache keyed by signing material, and an
// in-memory implementation. The EVM-backed implementation lives in the
// ethereum subpackage.
package ledger
