package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() map[string]int {
	return map[string]int{
		"[PAD]": 0, "[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"my": 2026, "name": 2171, "is": 2003, "zeph": 5000, "##yr": 5001,
		"?": 1029, "play": 2377, "##ing": 2075,
	}
}

func TestTokenizer_Tokenize(t *testing.T) {
	tok := NewTokenizer(testVocab())

	assert.Equal(t, []int64{2026, 2171, 2003, 5000, 5001}, tok.Tokenize("My name is Zephyr"))
	assert.Equal(t, []int64{2377, 2075, 1029}, tok.Tokenize("playing?"))
	assert.Equal(t, []int64{100}, tok.Tokenize("xyz"))
	assert.Empty(t, tok.Tokenize("   "))
}

func TestTokenizer_Encode(t *testing.T) {
	tok := NewTokenizer(testVocab())

	input, mask := tok.encode([]int64{7, 8}, 6)
	assert.Equal(t, []int64{101, 7, 8, 102, 0, 0}, input)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0}, mask)

	input, mask = tok.encode([]int64{1, 2, 3, 4, 5}, 4)
	assert.Equal(t, []int64{101, 1, 2, 102}, input)
	assert.Equal(t, []int64{1, 1, 1, 1}, mask)
}

func TestMeanPool(t *testing.T) {
	hidden := []float32{
		1, 2,
		3, 4,
		100, 100,
	}
	got := meanPool(hidden, []int64{1, 1, 0}, 3, 2)
	assert.Equal(t, []float32{2, 3}, got)

	assert.Equal(t, []float32{0, 0}, meanPool(hidden, []int64{0, 0, 0}, 3, 2))
}

func TestLoadTokenizer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model":{"vocab":{"[CLS]":1,"[SEP]":2,"[UNK]":3,"hi":4}}}`), 0o600))

	tok, err := LoadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, tok.Tokenize("hi there"))
	input, _ := tok.encode(tok.Tokenize("hi"), 4)
	assert.Equal(t, []int64{1, 4, 2, 0}, input)

	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"model":{"vocab":{}}}`), 0o600))
	_, err = LoadTokenizer(empty)
	assert.Error(t, err)
}
