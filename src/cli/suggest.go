package cli

import (
	"sort"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// maxSuggestionDistance is the furthest edit distance we'll still offer as a suggestion.
const maxSuggestionDistance = 3

// Suggest returns the items in haystack that are close to needle, closest first.
// Comparison is case-insensitive.
func Suggest(needle string, haystack []string) []string {
	r := []rune(strings.ToLower(needle))
	type suggestion struct {
		s    string
		dist int
	}
	options := make([]suggestion, 0, len(haystack))
	for _, straw := range haystack {
		if straw == "" {
			continue
		}
		if distance := levenshtein.DistanceForStrings(r, []rune(strings.ToLower(straw)), levenshtein.DefaultOptions); distance <= maxSuggestionDistance {
			options = append(options, suggestion{s: straw, dist: distance})
		}
	}
	sort.SliceStable(options, func(i, j int) bool { return options[i].dist < options[j].dist })
	ret := make([]string, len(options))
	for i, o := range options {
		ret[i] = o.s
	}
	return ret
}

// DidYouMean returns a short message suggesting alternatives to needle, or the empty string
// if nothing is close enough.
func DidYouMean(needle string, haystack []string) string {
	options := Suggest(needle, haystack)
	switch len(options) {
	case 0:
		return ""
	case 1:
		return "; did you mean " + options[0] + "?"
	}
	return "; did you mean " + strings.Join(options[:len(options)-1], ", ") + " or " + options[len(options)-1] + "?"
}
