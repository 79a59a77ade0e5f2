// Package ledger houses the UTXO ledger abstraction consumed by the escrow
// orchestrator: box and transaction types, the Client contract every backend
// must satisfy, deterministic transaction/box identifiers, and a simulated
// in-memory chain used by tests and local development. Network backends live
// in sub-packages.
package ledger
