package search

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain words", "fast json parser", []string{"fast", "json", "parser"}},
		{"camel case split", "FancyButton", []string{"fancy", "button"}},
		{"snake case split", "http_client", []string{"http", "client"}},
		{"stop words removed", "a parser for the web", []string{"parser", "web"}},
		{"plural folded", "parsers and widgets", []string{"parser", "widget"}},
		{"ies plural", "utilities", []string{"utility"}},
		{"short fragments dropped", "a b cd", []string{"cd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSingularKeepsNonPlurals(t *testing.T) {
	for _, word := range []string{"class", "status", "analysis", "bus"} {
		if got := singular(word); got != word {
			t.Errorf("singular(%q) = %q, want unchanged", word, got)
		}
	}
}
