// Package wallet maps agents and market escrows to ledger accounts and their
// signing material, and persists the mapping to memory, a JSON file, MySQL or
// Redis.
package wallet
