package models

import "time"

// TriggerResult describes one run of the export trigger.
type TriggerResult struct {
	// Ref is the control cell that was signaled.
	Ref CellRef `json:"ref"`
	// Mode is the wait strategy used ("legacy" or "await").
	Mode string `json:"mode"`
	// RunID uniquely identifies this trigger run.
	RunID string `json:"run_id"`
	// JobKey is the run log job key (0 when no run log is attached).
	JobKey int `json:"job_key,omitempty"`
	// Sleeps counts poll interval waits.
	Sleeps int `json:"sleeps"`
	// Writes counts control cell writes, the initial "true" included.
	Writes int `json:"writes"`
	// FinalValue is the last value read from the control cell.
	FinalValue string `json:"final_value"`
	// States lists the handshake states in the order they were entered.
	States []State `json:"states"`
	// Started and Finished bound the run.
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// State returns the most recent handshake state.
func (r *TriggerResult) State() State {
	if r == nil || len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}
