package pipeline

import (
	"errors"
	"testing"
)

func TestParseEntityKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    EntityKey
		wantErr bool
	}{
		{
			name:  "canonical",
			input: "Andhra Pradesh | Kalikiri | Tomato",
			want:  tomatoKalikiri,
		},
		{
			name:  "extra spaces",
			input: "  Telangana|Bowenpally |  Tomato ",
			want:  tomatoBowenpally,
		},
		{name: "two parts", input: "Telangana | Bowenpally", wantErr: true},
		{name: "four parts", input: "a | b | c | d", wantErr: true},
		{name: "empty market", input: "Telangana |  | Tomato", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEntityKey(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEntity) {
					t.Fatalf("expected ErrMalformedEntity, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if round, _ := ParseEntityKey(got.String()); round != got {
				t.Fatalf("String() did not round trip: %q", got.String())
			}
		})
	}
}

func TestDaysInclusive(t *testing.T) {
	tests := []struct {
		start, end string
		want       int
	}{
		{"2024-05-01", "2024-05-10", 10},
		{"2024-05-01", "2024-05-01", 1},
		{"2024-02-28", "2024-03-01", 3},
		{"2024-05-02", "2024-05-01", 0},
	}
	for _, tt := range tests {
		got := DaysInclusive(ParseDate(tt.start), ParseDate(tt.end))
		if got != tt.want {
			t.Errorf("DaysInclusive(%s, %s) = %d, want %d", tt.start, tt.end, got, tt.want)
		}
	}
}
