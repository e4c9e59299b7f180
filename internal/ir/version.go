package ir

// Version constants for the envelope schema and engine.
const (
	// SchemaVersion is the envelope schema version used in digests and stores.
	SchemaVersion = "1"

	// EngineVersion is the mutesync engine version.
	EngineVersion = "0.1.0"
)
