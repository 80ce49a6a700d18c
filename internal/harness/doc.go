// Package harness provides a scenario testing framework for the ledger.
//
// Scenarios are YAML files describing a sequence of ledger operations
// (create notes, add volumes, allocate, commit) with expected outcomes,
// followed by assertions on the final stock and note state. Each scenario
// runs against a fresh in-memory database, so runs are isolated and
// deterministic: the trace of a scenario can be snapshotted with a golden
// file and compared byte for byte.
//
// A scenario names its own warehouse and note ids, which keeps traces and
// stock listings stable across runs. Timestamps never appear in a trace.
package harness
