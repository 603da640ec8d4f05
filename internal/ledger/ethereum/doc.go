// Package ethereum implements ledger.Ledger on an EVM chain: accounts are
// fresh secp256k1 keys funded from a treasury, transfers are signed legacy
// value transactions.
package ethereum
