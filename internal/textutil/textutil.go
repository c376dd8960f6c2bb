// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package textutil holds the small text routines shared by the pipeline
// stages: sentence splitting, inline citation markers, and prompt budget
// truncation.
package textutil

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// citationRe matches inline markers such as [3] or grouped forms like [1][2].
var citationRe = regexp.MustCompile(`\[(\d{1,4})\]`)

// Citations returns the distinct citation indices in text in order of first
// appearance.
func Citations(text string) []int {
	var out []int
	seen := make(map[int]bool)
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// RewriteCitations replaces every [n] marker with the result of fn(n).
// Markers for which fn returns 0 are removed.
func RewriteCitations(text string, fn func(n int) int) string {
	out := citationRe.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil {
			return m
		}
		if mapped := fn(n); mapped > 0 {
			return "[" + strconv.Itoa(mapped) + "]"
		}
		return ""
	})
	return out
}

// DropCitationsAbove removes markers that point past max.
func DropCitationsAbove(text string, max int) string {
	return RewriteCitations(text, func(n int) int {
		if n > max {
			return 0
		}
		return n
	})
}

// StripCitations removes all markers.
func StripCitations(text string) string {
	return strings.TrimSpace(citationRe.ReplaceAllString(text, ""))
}

// Sentences splits text at sentence-ending punctuation followed by
// whitespace. Citation markers stay attached to the sentence they follow.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		end := i + 1
		// Absorb trailing markers like "fact.[1][2]".
		for end < len(runes) && runes[end] == '[' {
			j := end + 1
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			if j == end+1 || j >= len(runes) || runes[j] != ']' {
				break
			}
			end = j + 1
		}
		if r != '\n' && end < len(runes) && !unicode.IsSpace(runes[end]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// Words splits text into lowercase alphanumeric words.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Truncate limits text to at most maxWords whitespace-separated words,
// appending an ellipsis when it cuts.
func Truncate(text string, maxWords int) string {
	if maxWords <= 0 {
		return ""
	}
	fields := strings.Fields(text)
	if len(fields) <= maxWords {
		return strings.TrimSpace(text)
	}
	return strings.Join(fields[:maxWords], " ") + " ..."
}

// Lines returns the non-empty trimmed lines of text with common list
// prefixes ("1.", "-", "*") removed.
func Lines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = CleanListItem(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

var listPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)

// CleanListItem strips a leading bullet or number and surrounding space.
func CleanListItem(line string) string {
	return strings.TrimSpace(listPrefixRe.ReplaceAllString(strings.TrimSpace(line), ""))
}
