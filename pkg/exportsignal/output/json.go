// Package output serializes signaler results.
package output

import (
	"encoding/json"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
)

// Status is the control cell together with recent run log rows.
type Status struct {
	Control models.ControlSnapshot `json:"control"`
	Runs    []models.RunLogEntry   `json:"runs,omitempty"`
}

// ToJSON serializes v, indenting when pretty is set.
func ToJSON(v interface{}, pretty bool) ([]byte, error) {
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

// StatusToJSON serializes a status report, keeping only the last n runs when n > 0.
func StatusToJSON(status *Status, n int, pretty bool) ([]byte, error) {
	view := *status
	if n > 0 && len(view.Runs) > n {
		view.Runs = view.Runs[len(view.Runs)-n:]
	}
	return ToJSON(&view, pretty)
}
