package songbpm

import "strings"

const (
	minTitleSimilarity   = 0.65
	minArtistSimilarity  = 0.55
	minOverallSimilarity = 0.70
)

var searchSuffixTokens = map[string]struct{}{
	"clean":      {},
	"deluxe":     {},
	"edition":    {},
	"edit":       {},
	"explicit":   {},
	"live":       {},
	"mix":        {},
	"mono":       {},
	"radio":      {},
	"remaster":   {},
	"remastered": {},
	"stereo":     {},
	"version":    {},
}

var featureTokens = map[string]struct{}{
	"feat":      {},
	"featuring": {},
	"ft":        {},
}

// matchScore compares a requested title/artist pair against a search
// candidate. The boolean reports whether the candidate is a confident
// match; ambiguous results are treated as not-found upstream.
func matchScore(requestTitle, requestArtist, candidateTitle, candidateArtist string) (float64, bool) {
	nt := normalizeSearchInput(requestTitle)
	na := normalizeSearchInput(requestArtist)
	ct := normalizeSearchInput(candidateTitle)
	ca := normalizeSearchInput(candidateArtist)

	if nt == "" || na == "" || ct == "" || ca == "" {
		return 0, false
	}

	titleSim := similarity(nt, ct)
	artistSim := similarity(na, ca)
	score := 0.7*titleSim + 0.3*artistSim

	if titleSim < minTitleSimilarity || artistSim < minArtistSimilarity || score < minOverallSimilarity {
		return score, false
	}

	return score, true
}

// normalizeSearchInput cleans a search string for comparison: lowercase,
// common release suffixes stripped, punctuation collapsed, feat tokens
// removed.
func normalizeSearchInput(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	lowered := strings.ToLower(strings.TrimSpace(input))
	trimmed := stripCommonSuffixes(lowered)
	cleaned := cleanSeparators(trimmed)

	fields := strings.Fields(cleaned)
	kept := fields[:0]
	for _, f := range fields {
		if _, ok := featureTokens[f]; ok {
			continue
		}
		kept = append(kept, f)
	}

	return strings.Join(kept, " ")
}

func cleanSeparators(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func stripCommonSuffixes(input string) string {
	trimmed := strings.TrimSpace(input)
	for {
		next := trimBracketedSuffix(trimmed)
		next = trimDashSuffix(next)
		if next == trimmed {
			return trimmed
		}
		trimmed = strings.TrimSpace(next)
	}
}

func trimBracketedSuffix(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasSuffix(trimmed, ")") {
		if idx := strings.LastIndex(trimmed, "("); idx != -1 && idx < len(trimmed)-1 {
			if suffixHasToken(trimmed[idx+1 : len(trimmed)-1]) {
				return strings.TrimSpace(trimmed[:idx])
			}
		}
	}

	if strings.HasSuffix(trimmed, "]") {
		if idx := strings.LastIndex(trimmed, "["); idx != -1 && idx < len(trimmed)-1 {
			if suffixHasToken(trimmed[idx+1 : len(trimmed)-1]) {
				return strings.TrimSpace(trimmed[:idx])
			}
		}
	}

	return input
}

func trimDashSuffix(input string) string {
	trimmed := strings.TrimSpace(input)
	idx := strings.LastIndex(trimmed, " - ")
	if idx == -1 {
		return input
	}

	if suffixHasToken(strings.TrimSpace(trimmed[idx+3:])) {
		return strings.TrimSpace(trimmed[:idx])
	}

	return input
}

func suffixHasToken(input string) bool {
	if strings.TrimSpace(input) == "" {
		return false
	}

	cleaned := cleanSeparators(strings.ToLower(input))
	for _, token := range strings.Fields(cleaned) {
		if _, ok := searchSuffixTokens[token]; ok {
			return true
		}
		if _, ok := featureTokens[token]; ok {
			return true
		}
	}

	return false
}

func similarity(a string, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}

	distance := levenshteinDistance(a, b)
	return 1.0 - float64(distance)/float64(maxLen)
}

func levenshteinDistance(a string, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 0
			if ra[i-1] != rb[j-1] {
				cost = 1
			}
			curr[j] = min(
				prev[j]+1,
				curr[j-1]+1,
				prev[j-1]+cost,
			)
		}
		copy(prev, curr)
	}

	return prev[len(rb)]
}
