package ir

// Version constants for the wire record schema and the engine.
const (
	// RecordVersion is the ledger wire record schema version.
	RecordVersion = "1"

	// EngineVersion is the ledgersync engine version.
	EngineVersion = "0.1.0"
)
