package money

import "testing"

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"empty", "", 0},
		{"zero", "0", 0},
		{"whole", "100", 10000},
		{"one decimal", "100.5", 10050},
		{"two decimals", "100.50", 10050},
		{"small", "0.01", 1},
		{"large", "99999999", 9999999900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned not ok", tt.input)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{"-1", "1.2.3", "0.001", "abc", "1,00"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should have failed", input)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{10050, "100.50"},
		{-10050, "-100.50"},
		{9999999900, "99999999.00"},
	}
	for _, tt := range tests {
		if got := Format(tt.input); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBPS(t *testing.T) {
	if got := BPS(10000, 1800); got != 1800 {
		t.Errorf("BPS(10000, 1800) = %d, want 1800", got)
	}
	// Floors, never rounds up
	if got := BPS(101, 500); got != 5 {
		t.Errorf("BPS(101, 500) = %d, want 5", got)
	}
	if got := BPS(0, 1800); got != 0 {
		t.Errorf("BPS(0, 1800) = %d, want 0", got)
	}
}
