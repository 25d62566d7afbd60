package tokenizer

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// WordTokenizer maps whitespace-separated, lower-cased words to ids. Ids are
// assigned by descending frequency (ties broken alphabetically), so id 0 is
// the most frequent word. Words outside the vocabulary are dropped on Encode.
type WordTokenizer struct {
	words  []string
	ids    map[string]int64
	counts []int
}

// Words splits text into lower-cased words, trimming surrounding punctuation.
func Words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), unicode.IsSpace)
	words := lo.Map(fields, func(f string, _ int) string {
		return strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	})
	return lo.Compact(words)
}

// NewWordTokenizer builds a vocabulary from corpus, keeping words seen at
// least minCount times.
func NewWordTokenizer(corpus string, minCount int) *WordTokenizer {
	freq := lo.PickBy(lo.CountValues(Words(corpus)), func(_ string, n int) bool {
		return n >= minCount
	})
	words := lo.Keys(freq)
	slices.SortFunc(words, func(a, b string) int {
		if c := cmp.Compare(freq[b], freq[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	t := &WordTokenizer{
		words:  words,
		ids:    make(map[string]int64, len(words)),
		counts: make([]int, len(words)),
	}
	for i, w := range words {
		t.ids[w] = int64(i)
		t.counts[i] = freq[w]
	}
	return t
}

// Encode converts text to token ids, skipping unknown words.
func (t *WordTokenizer) Encode(text string) []int64 {
	return lo.FilterMap(Words(text), func(w string, _ int) (int64, bool) {
		id, ok := t.ids[w]
		return id, ok
	})
}

// Decode joins the words for tokens with single spaces.
func (t *WordTokenizer) Decode(tokens []int64) string {
	return strings.Join(lo.Map(tokens, func(id int64, _ int) string { return t.Word(id) }), " ")
}

// Word returns the word for id, or "" when id is out of range.
func (t *WordTokenizer) Word(id int64) string {
	if id < 0 || int(id) >= len(t.words) {
		return ""
	}
	return t.words[id]
}

// ID looks up a word.
func (t *WordTokenizer) ID(word string) (int64, bool) {
	id, ok := t.ids[strings.ToLower(word)]
	return id, ok
}

func (t *WordTokenizer) VocabSize() int { return len(t.words) }

// Counts returns the corpus frequency of every id, the input expected by the
// negative sampling layer.
func (t *WordTokenizer) Counts() []int { return slices.Clone(t.counts) }

var _ Tokenizer = (*WordTokenizer)(nil)
