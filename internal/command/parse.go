package command

import (
	"fmt"
	"strconv"
	"strings"
)

var aliases = map[string]Kind{
	"accelerate": Accelerate,
	"acc":        Accelerate,
	"accel":      Accelerate,
	"gas":        Accelerate,
	"throttle":   Accelerate,

	"brake": Brake,
	"br":    Brake,
	"stop":  Brake,
	"slow":  Brake,

	"shift": Shift,
	"sh":    Shift,
	"gear":  Shift,

	"pit":     Pit,
	"p":       Pit,
	"pitstop": Pit,

	"coast":   Coast,
	"c":       Coast,
	"neutral": Coast,
}

const defaultIntensity = 1.0

// Parse maps one line of text to a Command. It is pure: safe to call
// concurrently from any number of goroutines, and the only producer of
// Command values (spec.md §9 "tagged variant").
func Parse(line string) (Command, error) {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	if trimmed == "" {
		return Command{}, newErr(ErrEmpty, "empty command")
	}

	tokens := strings.Fields(trimmed)
	verb := tokens[0]
	kind, ok := aliases[verb]
	if !ok {
		return Command{}, newErr(ErrUnknownCommand, fmt.Sprintf("unrecognized command %q", verb))
	}

	switch kind {
	case Accelerate, Brake:
		intensity, err := parseIntensity(tokens[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Intensity: intensity}, nil

	case Shift:
		gear, err := parseGear(tokens[1:])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: Shift, Gear: gear}, nil

	case Coast, Pit:
		return Command{Kind: kind}, nil
	}

	return Command{}, newErr(ErrUnknownCommand, "unrecognized command")
}

func parseIntensity(args []string) (float64, error) {
	if len(args) == 0 {
		return defaultIntensity, nil
	}

	tok := args[0]
	if strings.HasSuffix(tok, "%") {
		numStr := strings.TrimSuffix(tok, "%")
		pct, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, newErr(ErrBadIntensity, "invalid percent intensity")
		}
		if pct < 0 || pct > 100 {
			return 0, newErr(ErrBadIntensity, "percent intensity out of range")
		}
		return pct / 100.0, nil
	}

	val, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, newErr(ErrBadIntensity, "invalid intensity")
	}
	if val < 0 || val > 1 {
		return 0, newErr(ErrBadIntensity, "intensity out of range")
	}
	return val, nil
}

func parseGear(args []string) (int, error) {
	if len(args) != 1 {
		return 0, newErr(ErrBadGear, "shift requires exactly one gear token")
	}
	gear, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, newErr(ErrBadGear, "gear must be an integer")
	}
	if gear < 1 || gear > 8 {
		return 0, newErr(ErrBadGear, "gear out of range")
	}
	return gear, nil
}

// Render is the inverse of Parse for valid commands, used by round-trip
// tests (spec.md §8 "parse(render(cmd)) = cmd").
func Render(c Command) string {
	switch c.Kind {
	case Accelerate:
		return "accelerate " + strconv.FormatFloat(c.Intensity, 'f', -1, 64)
	case Brake:
		return "brake " + strconv.FormatFloat(c.Intensity, 'f', -1, 64)
	case Shift:
		return "shift " + strconv.Itoa(c.Gear)
	case Coast:
		return "coast"
	case Pit:
		return "pit"
	default:
		return ""
	}
}
