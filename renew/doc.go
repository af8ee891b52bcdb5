// Package renew implements the renewal saga: spending an internal
// experience-point balance to extend a blockchain-held membership key.
//
// The ledger and the chain cannot be committed atomically (one is a
// relational store with row-level transactions, the other an asynchronous,
// externally-confirmed ledger with no rollback), so the renewal runs as a
// saga with compensating transactions. The order of operations is what
// makes compensation meaningful: the attempt row (the recovery point) is
// created first, then the ledger debit, and only then the on-chain
// submission, so a failed chain step always has a known, reversible debit
// to undo.
//
// The Orchestrator drives one run; the Sweeper reconciles attempts
// stranded in pending by a crash. The ports (LedgerPort, OnChainPort,
// AttemptStore) carry the atomicity and idempotency contracts the saga
// relies on; the ledgerstore and lockchain packages provide the production
// implementations, and the in-memory implementations here back the tests.
package renew
