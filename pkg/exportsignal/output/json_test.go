package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
)

func TestStatusToJSONKeepsLatestRuns(t *testing.T) {
	status := &Status{
		Control: models.ControlSnapshot{Ref: models.CellRef{Sheet: "Control", Cell: "B2"}, Value: "false"},
		Runs: []models.RunLogEntry{
			{JobKey: 1, Log: "Started export trigger"},
			{JobKey: 1, Log: "Finished export trigger"},
			{JobKey: 2, Log: "Started export trigger"},
		},
	}

	data, err := StatusToJSON(status, 2, false)
	require.NoError(t, err)

	var decoded Status
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Runs, 2)
	require.Equal(t, 2, decoded.Runs[1].JobKey)
	require.Len(t, status.Runs, 3, "input is not modified")
	require.Equal(t, "B2", decoded.Control.Ref.Cell)
}

func TestToJSONPretty(t *testing.T) {
	data, err := ToJSON(map[string]string{"value": "true"}, true)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "\n  \"value\""))
}
