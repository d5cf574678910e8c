package command

import "testing"

func TestParseValidCommands(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Command
	}{
		{"accelerate default", "accelerate", Command{Kind: Accelerate, Intensity: 1.0}},
		{"accel alias decimal", "accel 0.75", Command{Kind: Accelerate, Intensity: 0.75}},
		{"gas alias percent", "gas 75%", Command{Kind: Accelerate, Intensity: 0.75}},
		{"brake default", "brake", Command{Kind: Brake, Intensity: 1.0}},
		{"stop alias half", "stop 50%", Command{Kind: Brake, Intensity: 0.5}},
		{"shift", "shift 3", Command{Kind: Shift, Gear: 3}},
		{"gear alias", "gear 8", Command{Kind: Shift, Gear: 8}},
		{"coast", "coast", Command{Kind: Coast}},
		{"neutral alias", "neutral", Command{Kind: Coast}},
		{"pit", "pit", Command{Kind: Pit}},
		{"pitstop alias", "pitstop", Command{Kind: Pit}},
		{"uppercase and padding", "  ACCELERATE 0.5  ", Command{Kind: Accelerate, Intensity: 0.5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		code ErrorCode
	}{
		{"empty string", "", ErrEmpty},
		{"whitespace only", "   ", ErrEmpty},
		{"unknown verb", "teleport", ErrUnknownCommand},
		{"intensity too high", "accelerate 1.5", ErrBadIntensity},
		{"intensity negative", "brake -1", ErrBadIntensity},
		{"percent out of range", "accelerate 150%", ErrBadIntensity},
		{"non-numeric intensity", "accelerate fast", ErrBadIntensity},
		{"shift missing gear", "shift", ErrBadGear},
		{"shift non-integer", "shift 3.5", ErrBadGear},
		{"shift out of range", "shift 9", ErrBadGear},
		{"shift too many tokens", "shift 3 4", ErrBadGear},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			if err == nil {
				t.Fatalf("Parse(%q) expected error, got nil", tc.in)
			}
			pe, ok := err.(*ParseError)
			if !ok {
				t.Fatalf("Parse(%q) error is not *ParseError: %T", tc.in, err)
			}
			if pe.Code != tc.code {
				t.Fatalf("Parse(%q) code = %s, want %s", tc.in, pe.Code, tc.code)
			}
		})
	}
}

func TestParseRenderRoundTrip(t *testing.T) {
	commands := []Command{
		{Kind: Accelerate, Intensity: 0.75},
		{Kind: Brake, Intensity: 1.0},
		{Kind: Brake, Intensity: 0},
		{Kind: Shift, Gear: 4},
		{Kind: Coast},
		{Kind: Pit},
	}

	for _, c := range commands {
		rendered := Render(c)
		parsed, err := Parse(rendered)
		if err != nil {
			t.Fatalf("Parse(Render(%+v)) unexpected error: %v", c, err)
		}
		if parsed != c {
			t.Fatalf("round-trip mismatch: got %+v, want %+v (rendered %q)", parsed, c, rendered)
		}
	}
}
