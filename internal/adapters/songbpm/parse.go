package songbpm

import (
	"strconv"
	"strings"

	"github.com/calliope-audio/backbeat/internal/core/domain"
)

// pitchClasses maps key notation to the 0-11 pitch class integers used
// across the feature schema (0=C ... 11=B).
var pitchClasses = map[string]int{
	"C": 0, "C#": 1, "Db": 1,
	"D": 2, "D#": 3, "Eb": 3,
	"E": 4,
	"F": 5, "F#": 6, "Gb": 6,
	"G": 7, "G#": 8, "Ab": 8,
	"A": 9, "A#": 10, "Bb": 10,
	"B": 11,
}

// parseKey turns key notation like "C", "F#m", "Bbm" into a pitch class
// and a mode. A trailing "m" selects minor.
func parseKey(keyOf string) (*int, *domain.Mode) {
	keyOf = strings.TrimSpace(keyOf)
	if keyOf == "" {
		return nil, nil
	}

	mode := domain.ModeMajor
	root := keyOf
	if strings.HasSuffix(root, "m") {
		mode = domain.ModeMinor
		root = strings.TrimSuffix(root, "m")
	}

	pc, ok := pitchClasses[strings.TrimSpace(root)]
	if !ok {
		return nil, nil
	}
	return domain.Int(pc), domain.ModePtr(mode)
}

// parseTimeSignature extracts the numerator from notation like "4/4".
func parseTimeSignature(timeSig string) *int {
	timeSig = strings.TrimSpace(timeSig)
	if timeSig == "" {
		return nil
	}

	numerator, _, _ := strings.Cut(timeSig, "/")
	n, err := strconv.Atoi(strings.TrimSpace(numerator))
	if err != nil || n <= 0 {
		return nil
	}
	return domain.Int(n)
}

// flexFloat tolerates JSON values that arrive as either numbers or
// quoted strings; the upstream API is inconsistent about this.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Unparseable values degrade to absent rather than failing the
		// whole response.
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}
