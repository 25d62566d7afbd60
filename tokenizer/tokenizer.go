package tokenizer

// Tokenizer is the common interface for all tokenizers in nsloss.
type Tokenizer interface {
	Encode(text string) []int64
	Decode(tokens []int64) string
	VocabSize() int
}
