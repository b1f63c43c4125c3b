package models

// State is a step of the trigger handshake.
type State string

const (
	// StateIdle is the state before the trigger writes anything.
	StateIdle State = "IDLE"
	// StateSignaled means the control cell was set to "true".
	StateSignaled State = "SIGNALED"
	// StateSettling means the loop slept and forced the cell back to "false".
	StateSettling State = "SETTLING"
	// StateDone is terminal.
	StateDone State = "DONE"
)
