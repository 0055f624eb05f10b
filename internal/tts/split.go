package tts

import "strings"

// SplitText wraps text into segments of at most maxRunes runes, breaking on
// whitespace and preserving word order. Runs of whitespace collapse to a
// single space. Words longer than maxRunes are split hard.
func SplitText(text string, maxRunes int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if maxRunes <= 0 {
		return []string{strings.Join(words, " ")}
	}

	var (
		segments []string
		cur      []rune
	)
	flush := func() {
		if len(cur) > 0 {
			segments = append(segments, string(cur))
			cur = cur[:0]
		}
	}
	for _, w := range words {
		r := []rune(w)
		for len(r) > maxRunes {
			flush()
			segments = append(segments, string(r[:maxRunes]))
			r = r[maxRunes:]
		}
		if len(r) == 0 {
			continue
		}
		switch {
		case len(cur) == 0:
			cur = append(cur, r...)
		case len(cur)+1+len(r) <= maxRunes:
			cur = append(cur, ' ')
			cur = append(cur, r...)
		default:
			flush()
			cur = append(cur, r...)
		}
	}
	flush()
	return segments
}
