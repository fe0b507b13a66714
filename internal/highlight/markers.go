// Package highlight turns word timings and inline line markers into a
// start/end highlight timeline and plays that timeline against a target.
package highlight

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// LineRef ties a source line to the phrase that should light it up.
type LineRef struct {
	Line   int
	Phrase string
}

var (
	tagRe      = regexp.MustCompile(`<(/?)line:(\d+)>`)
	legacyRe   = regexp.MustCompile(`\[line:(\d+)\]`)
	anyTagRe   = regexp.MustCompile(`</?line:\d+>|\[line:\d+\]`)
	spaceRe    = regexp.MustCompile(`\s+`)
	sentenceRe = regexp.MustCompile(`[.!?]`)
)

type positioned struct {
	pos int
	ref LineRef
}

// ParseLineRefs extracts line references from narration in the order they
// appear. A legacy [line:N] marker covers the text that follows it up to the
// next marker or the end of the sentence.
func ParseLineRefs(narration string) []LineRef {
	var found []positioned

	found = append(found, pairedTags(narration)...)

	for _, m := range legacyRe.FindAllStringSubmatchIndex(narration, -1) {
		line, err := strconv.Atoi(narration[m[2]:m[3]])
		if err != nil || line < 1 {
			continue
		}
		rest := narration[m[1]:]
		if loc := anyTagRe.FindStringIndex(rest); loc != nil {
			rest = rest[:loc[0]]
		}
		if loc := sentenceRe.FindStringIndex(rest); loc != nil {
			rest = rest[:loc[0]]
		}
		phrase := cleanPhrase(rest)
		if phrase == "" {
			continue
		}
		found = append(found, positioned{pos: m[0], ref: LineRef{Line: line, Phrase: phrase}})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	refs := make([]LineRef, len(found))
	for i, f := range found {
		refs[i] = f.ref
	}
	return refs
}

// pairedTags matches each closing </line:N> with the nearest unclosed
// <line:N>, so tags may nest or overlap. Unpaired tags are ignored.
func pairedTags(narration string) []positioned {
	type open struct {
		line     string
		pos, end int
	}
	var (
		stack []open
		found []positioned
	)
	for _, m := range tagRe.FindAllStringSubmatchIndex(narration, -1) {
		closing := m[3] > m[2]
		line := narration[m[4]:m[5]]
		if !closing {
			stack = append(stack, open{line: line, pos: m[0], end: m[1]})
			continue
		}
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].line != line {
				continue
			}
			o := stack[i]
			stack = append(stack[:i], stack[i+1:]...)
			n, err := strconv.Atoi(line)
			if err != nil || n < 1 {
				break
			}
			if phrase := cleanPhrase(narration[o.end:m[0]]); phrase != "" {
				found = append(found, positioned{pos: o.pos, ref: LineRef{Line: n, Phrase: phrase}})
			}
			break
		}
	}
	return found
}

// StripMarkers returns the narration as it should be spoken.
func StripMarkers(narration string) string {
	s := anyTagRe.ReplaceAllString(narration, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func cleanPhrase(s string) string {
	s = anyTagRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// normalizeWord lowercases w and trims surrounding punctuation.
func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	}))
}

func phraseWords(phrase string) []string {
	var out []string
	for _, f := range strings.Fields(phrase) {
		if w := normalizeWord(f); w != "" {
			out = append(out, w)
		}
	}
	return out
}
