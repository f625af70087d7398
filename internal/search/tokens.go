package search

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "have": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "if": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// tokenize lower-cases text, splits on non-alphanumeric boundaries and
// camelCase humps, removes stop-words, and singularises plural forms so
// "parsers" and "parser" index identically.
func tokenize(text string) []string {
	words := splitWords(text)
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if _, isStop := stopWords[word]; isStop {
			continue
		}
		tokens = append(tokens, singular(word))
	}
	return tokens
}

// splitWords breaks text into lowercased word fragments. A camelCase or
// snake_case identifier yields both its fragments and nothing else; the
// caller re-joins via the index when needed.
func splitWords(text string) []string {
	var words []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			words = append(words, strings.ToLower(string(current)))
			current = current[:0]
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsLetter(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			current = append(current, r)
		case unicode.IsDigit(r):
			current = append(current, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return words
}

// singular strips simple English plural suffixes. Deliberately conservative:
// a wrong singularisation pollutes the index for every query.
func singular(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ses") && len(word) > 4:
		return word[:len(word)-2]
	case strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "us"), strings.HasSuffix(word, "is"):
		return word
	case strings.HasSuffix(word, "s") && len(word) > 3:
		return word[:len(word)-1]
	}
	return word
}
