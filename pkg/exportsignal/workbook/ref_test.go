package workbook

import (
	"errors"
	"testing"

	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		input    string
		expected models.CellRef
	}{
		{"B2", models.CellRef{Sheet: "Control", Cell: "B2"}},
		{"b2", models.CellRef{Sheet: "Control", Cell: "B2"}},
		{"$B$2", models.CellRef{Sheet: "Control", Cell: "B2"}},
		{" B2 ", models.CellRef{Sheet: "Control", Cell: "B2"}},
		{"Logs!A10", models.CellRef{Sheet: "Logs", Cell: "A10"}},
		{"'Wholesaler Data'!$AA$3", models.CellRef{Sheet: "Wholesaler Data", Cell: "AA3"}},
		{"'It''s'!C1", models.CellRef{Sheet: "It's", Cell: "C1"}},
	}

	for _, tt := range tests {
		result, err := ParseRef(tt.input, "Control")
		if err != nil {
			t.Errorf("ParseRef(%q) returned error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseRef(%q) = %+v, expected %+v", tt.input, result, tt.expected)
		}
	}
}

func TestParseRefInvalid(t *testing.T) {
	inputs := []string{"", "B", "2", "B0", "A1:B2", "!B2", "Control!", "B2!"}

	for _, input := range inputs {
		_, err := ParseRef(input, "Control")
		if !errors.Is(err, ErrInvalidCellRef) {
			t.Errorf("ParseRef(%q) error = %v, expected ErrInvalidCellRef", input, err)
		}
	}
}

func TestParseRefRoundTrip(t *testing.T) {
	refs := []models.CellRef{
		{Sheet: "Control", Cell: "B2"},
		{Sheet: "Shopify Lookup", Cell: "C7"},
		{Sheet: "It's", Cell: "A1"},
		{Sheet: "Q1-2024", Cell: "B2"},
		{Sheet: "Data (raw)", Cell: "D4"},
		{Sheet: "2024", Cell: "B2"},
		{Sheet: "A1", Cell: "B2"},
		{Sheet: "a!b", Cell: "B2"},
	}

	for _, ref := range refs {
		result, err := ParseRef(ref.String(), "")
		if err != nil {
			t.Errorf("ParseRef(%q) returned error: %v", ref.String(), err)
			continue
		}
		if result != ref {
			t.Errorf("ParseRef(%q) = %+v, expected %+v", ref.String(), result, ref)
		}
	}
}
