package ir

// Version constants for the persisted layout and engine.
const (
	// SchemaVersion is the version of the serialized frame tree format.
	SchemaVersion = "1"

	// EngineVersion is the engine version recorded on executions.
	EngineVersion = "0.1.0"
)
