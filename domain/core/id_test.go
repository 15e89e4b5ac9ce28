package core

import (
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}

// TestParseRunID tests run ID parsing round trips and rejections
func TestParseRunID(t *testing.T) {
	valid := NewRunID()

	tests := []struct {
		name    string
		input   string
		want    RunID
		wantErr bool
	}{
		{name: "generated id", input: valid.String(), want: valid},
		{name: "surrounding whitespace", input: "  " + valid.String() + "\n", want: valid},
		{name: "empty", input: "", wantErr: true},
		{name: "not a uuid", input: "run-42", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRunID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRunID(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRunID(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseRunID(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}
