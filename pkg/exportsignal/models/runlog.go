package models

// RunLogHeaders is the header row of the run log sheet.
var RunLogHeaders = []string{"Job Key", "Start", "End", "Log", "Run ID"}

// RunLogEntry is one row of the run log sheet.
type RunLogEntry struct {
	// JobKey groups the rows written by one trigger run.
	JobKey int `json:"job_key"`
	// Start and End are formatted as "2006-01-02 15:04:05".
	Start string `json:"start"`
	End   string `json:"end"`
	Log   string `json:"log"`
	RunID string `json:"run_id,omitempty"`
}

// Row returns the entry as sheet row values in RunLogHeaders order.
func (e RunLogEntry) Row() []interface{} {
	return []interface{}{e.JobKey, e.Start, e.End, e.Log, e.RunID}
}
