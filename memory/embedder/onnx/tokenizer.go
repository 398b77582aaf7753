package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// maxWordRunes is the longest word WordPiece will split; longer words
// become [UNK].
const maxWordRunes = 100

// Tokenizer is a BERT-style WordPiece tokenizer loaded from a Hugging Face
// tokenizer.json.
type Tokenizer struct {
	vocab map[string]int
	cls   int
	sep   int
	unk   int
}

// LoadTokenizer reads the vocabulary of a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode tokenizer: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	return NewTokenizer(file.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer over vocab. Special tokens fall back to
// the bert-base ids when missing from vocab.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	special := func(token string, fallback int) int {
		if id, ok := vocab[token]; ok {
			return id
		}
		return fallback
	}
	return &Tokenizer{
		vocab: vocab,
		cls:   special("[CLS]", 101),
		sep:   special("[SEP]", 102),
		unk:   special("[UNK]", 100),
	}
}

// Tokenize converts text to token ids, without [CLS] and [SEP].
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// splitWords splits on whitespace and isolates punctuation, as BERT's
// basic tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// wordPiece greedily matches the longest known prefix, marking
// continuations with "##". A word with an unmatchable piece is [UNK].
func (t *Tokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{int64(t.unk)}
	}

	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				matched = id
				break
			}
		}
		if matched < 0 {
			return []int64{int64(t.unk)}
		}
		ids = append(ids, int64(matched))
		start = end
	}
	return ids
}

// encode frames ids with [CLS] and [SEP] and pads to maxLen. It returns the
// input ids and the attention mask.
func (t *Tokenizer) encode(ids []int64, maxLen int) (input, mask []int64) {
	input = make([]int64, maxLen)
	mask = make([]int64, maxLen)
	n := min(len(ids), maxLen-2)

	input[0], mask[0] = int64(t.cls), 1
	for i := 0; i < n; i++ {
		input[i+1], mask[i+1] = ids[i], 1
	}
	input[n+1], mask[n+1] = int64(t.sep), 1
	return input, mask
}

// meanPool averages the hidden states of attended positions.
func meanPool(hidden []float32, mask []int64, seqLen, dims int) []float32 {
	out := make([]float32, dims)
	var attended float32
	for i := 0; i < seqLen; i++ {
		if mask[i] == 0 {
			continue
		}
		attended++
		row := hidden[i*dims : (i+1)*dims]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return out
	}
	for j := range out {
		out[j] /= attended
	}
	return out
}
