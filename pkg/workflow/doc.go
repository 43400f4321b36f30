// Package workflow defines the shared data model of an AlpacaCode run: the Run
// record and its status machine, trades, per-phase result payloads, the
// command/result message payloads exchanged over the bus, the persisted
// orchestrator snapshot and the strategy configuration variants.
//
// Every type here is plain data with JSON tags. Validation methods enforce the
// invariants the orchestrator and agents rely on; nothing in this package
// performs I/O.
package workflow
