// Package market models prediction markets and the primitive the engine
// mutates them through. MemoryPrimitive keeps markets in process and moves
// stakes and payouts through a ledger escrow account.
package market
